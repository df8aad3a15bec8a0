package domain

import "time"

// Client is a tenant company. Only its name matters to the publishing pipeline.
type Client struct {
	ID          string
	CompanyName string
	CreatedAt   time.Time
}
