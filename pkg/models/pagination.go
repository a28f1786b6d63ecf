package models

// PaginationRequest bounds a range read.
type PaginationRequest struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// PaginationResponse describes one page of a range read.
type PaginationResponse struct {
	Limit   int    `json:"limit"`
	HasMore bool   `json:"has_more"`
	Next    string `json:"next,omitempty"`
	Count   int    `json:"count"`
	Total   int    `json:"total"`
}
