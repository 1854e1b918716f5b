package bigquery

import "fmt"

// deleteStatement removes the user's rows whose aggregator id is in
// @removed_ids. Ids with no row are ignored.
func (s *Store) deleteStatement() string {
	return fmt.Sprintf(`
DELETE FROM %s
WHERE user_id = @user_id
  AND external_id IN UNNEST(@removed_ids);
`, s.table(transactionsTable))
}
