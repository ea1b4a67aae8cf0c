package domain

type Customer struct {
	ID        int64
	Username  string
	Email     string
	FirstName string
	LastName  string
	IsVendor  bool
}

// DisplayName falls back to the username when no name is recorded.
func (c Customer) DisplayName() string {
	if c.FirstName == "" && c.LastName == "" {
		return c.Username
	}
	if c.LastName == "" {
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type Address struct {
	ID         int64
	CustomerID int64
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
}
