package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the SQL oracles. Each query returns rows only when the stored
// state breaks a provenance invariant.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_token_iff_on_ledger",
			SQL: `SELECT batch_id, status, ledger_token FROM batches
                  WHERE (ledger_token IS NOT NULL) <> (status IN ('MINTED','IN_TRANSIT','DELIVERED','VERIFIED'))`,
		},
		{
			Name: "O2_history_seq_contiguous",
			SQL: `SELECT batch_id, COUNT(*), MIN(seq), MAX(seq) FROM batch_history
                  GROUP BY batch_id HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O3_history_starts_created",
			SQL: `SELECT b.batch_id FROM batches b
                  LEFT JOIN batch_history h ON h.batch_id = b.batch_id AND h.seq = 1
                  WHERE h.action IS DISTINCT FROM 'CREATED'`,
		},
		{
			Name: "O4_custodian_matches_history",
			SQL: `SELECT b.batch_id, b.custodian, last.new_custodian FROM batches b
                  JOIN LATERAL (
                      SELECT new_custodian FROM batch_history h
                      WHERE h.batch_id = b.batch_id ORDER BY seq DESC LIMIT 1
                  ) last ON true
                  WHERE last.new_custodian <> b.custodian`,
		},
		{
			Name: "O5_custody_chain_unbroken",
			SQL: `WITH chain AS (
                      SELECT batch_id, seq, previous_custodian,
                             LAG(new_custodian) OVER (PARTITION BY batch_id ORDER BY seq) AS prev_new
                      FROM batch_history)
                  SELECT * FROM chain
                  WHERE previous_custodian <> '' AND prev_new IS NOT NULL AND previous_custodian <> prev_new`,
		},
		{
			Name: "O6_single_mint_entry",
			SQL: `SELECT batch_id, COUNT(*) FROM batch_history
                  WHERE action = 'MINTED' GROUP BY batch_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_failed_has_reason",
			SQL:  `SELECT batch_id FROM batches WHERE status = 'FAILED' AND failure_reason = ''`,
		},
		{
			Name: "O8_history_delete_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='batch_history_no_mutation')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
