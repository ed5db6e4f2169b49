/*
Package postgres implements the record store interfaces for a PostgreSQL
database.

SQL statements live in the embedded "queries" directory, one file per
statement, named for the method that runs them. Batches are sent with
[pgx.Batch] inside a single transaction, so a batch is applied entirely or
not at all.
*/
package postgres
