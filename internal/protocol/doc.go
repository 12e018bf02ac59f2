// Package protocol defines sync directives: per-table sets of mutation
// operations carried next to an API response.
//
// The eight operations form a closed set. Within a table they always run in
// canonical order (add, bulkAdd, put, bulkPut, update, bulkUpdate, delete,
// bulkDelete) no matter how the directive was written, while tables keep
// the order the directive declared them in.
package protocol
