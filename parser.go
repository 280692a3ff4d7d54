package ga4etl

import (
	"golang.org/x/xerrors"
	"google.golang.org/api/iterator"
)

// rowIterator is satisfied by *bigquery.RowIterator.
type rowIterator interface {
	Next(interface{}) error
}

// readAll decodes every remaining row of it into T.
func readAll[T any](it rowIterator) ([]*T, error) {
	var rows []*T

	for {
		r := new(T)

		err := it.Next(r)
		if xerrors.Is(err, iterator.Done) {
			return rows, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to read row %d: %w", len(rows), err)
		}

		rows = append(rows, r)
	}
}
