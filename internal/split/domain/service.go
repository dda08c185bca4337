package domain

import "github.com/shopspring/decimal"

type Splitter interface {
	// Split divides pool between the platform and collaborators. The
	// returned amounts always sum to pool exactly.
	Split(pool, platformRate decimal.Decimal, collaborators []Collaborator, mode Mode) (Result, error)
}
