package invoice

// Job is a single attempt at retrieving the invoices of a key with one identity.
type Job struct {
	RunId    string
	Key      Key
	Identity Identity
	// ProxyPort selects the exit ip of a rotating proxy, empty uses the configured one.
	ProxyPort string
	// Attempt starts at 1 and counts attempts with the same identity.
	Attempt int
}
