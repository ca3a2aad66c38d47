package feed

// PaginationInfo describes one page of a server-paginated query. The
// JSON tags match the backend's pagination metadata object.
type PaginationInfo struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPaginationInfo computes consistent pagination metadata:
// totalPages = max(1, ceil(totalItems/perPage)), hasNext = page < totalPages,
// hasPrev = page > 1.
func NewPaginationInfo(page, perPage, totalItems int) PaginationInfo {
	if perPage < 1 {
		perPage = 1
	}
	if page < 1 {
		page = 1
	}
	if totalItems < 0 {
		totalItems = 0
	}

	totalPages := (totalItems + perPage - 1) / perPage
	if totalPages < 1 {
		totalPages = 1
	}

	return PaginationInfo{
		Page:       page,
		PerPage:    perPage,
		TotalItems: totalItems,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}
