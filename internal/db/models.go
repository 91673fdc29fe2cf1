package db

type Run struct {
	ID            string
	Vendor        string
	Pnr           string
	InvoiceNumber string
	State         string
	Message       string
	Artifacts     string
	CreatedAt     int64
	UpdatedAt     int64
}

type Attempt struct {
	RunID     string
	Identity  string
	Attempt   int64
	Code      string
	Detail    string
	CreatedAt int64
}
