package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorDump flattens an error chain into log fields. SQL fields are filled
// only when a Postgres driver error is somewhere in the chain.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Retryable  bool     `json:"retryable"`
	Chain      []string `json:"chain,omitempty"`

	SQLDriver     string `json:"sql_driver,omitempty"`
	SQLState      string `json:"sql_state,omitempty"`
	SQLConstraint string `json:"sql_constraint,omitempty"`
	SQLTable      string `json:"sql_table,omitempty"`
	SQLColumn     string `json:"sql_column,omitempty"`
	SQLDetail     string `json:"sql_detail,omitempty"`
	SQLMessage    string `json:"sql_message,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Retryable = MetadataFor(te.Code()).Retryable
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.SQLDriver = "pgx"
		d.SQLState, d.SQLConstraint, d.SQLTable = pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName
		d.SQLColumn, d.SQLDetail, d.SQLMessage = pgxErr.ColumnName, pgxErr.Detail, pgxErr.Message
	case errors.As(err, &pqErr):
		d.SQLDriver = "pq"
		d.SQLState, d.SQLConstraint, d.SQLTable = string(pqErr.Code), pqErr.Constraint, pqErr.Table
		d.SQLColumn, d.SQLDetail, d.SQLMessage = pqErr.Column, pqErr.Detail, pqErr.Message
	}
	return d
}

// Fields returns the non-empty dump values keyed for structured logging.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":           d.TopMessage,
		"error_retryable": d.Retryable,
	}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	if len(d.Chain) > 1 {
		fields["error_chain"] = d.Chain
	}
	for key, value := range map[string]string{
		"sql_driver":     d.SQLDriver,
		"sql_state":      d.SQLState,
		"sql_constraint": d.SQLConstraint,
		"sql_table":      d.SQLTable,
		"sql_column":     d.SQLColumn,
		"sql_detail":     d.SQLDetail,
		"sql_message":    d.SQLMessage,
	} {
		if value != "" {
			fields[key] = value
		}
	}
	return fields
}
