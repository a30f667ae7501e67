package models

// HTTP request models for the ops API. Binding, defaulting and validation go
// through pkg/http.ReadAndValidateRequest.

// CandlesRequest asks for candles over a range.
type CandlesRequest struct {
	Symbol   string `query:"symbol" validate:"required,min=1,max=32"`
	Interval string `query:"interval" default:"1m" validate:"oneof=1s 1m 5m 1h"`
	From     string `query:"from" validate:"required"`
	To       string `query:"to" validate:"required"`
	Force    bool   `query:"force"`
	Limit    int    `query:"limit" default:"10000" validate:"gte=0,lte=50000"`
}

// ResampleRequest forces materialization for one symbol/interval range.
type ResampleRequest struct {
	Symbol   string `json:"symbol" validate:"required,min=1,max=32"`
	Interval string `json:"interval" default:"1m" validate:"oneof=1s 1m 5m 1h"`
	From     string `json:"from" validate:"required"`
	To       string `json:"to" validate:"required"`
	Force    bool   `json:"force" default:"true"`
}
