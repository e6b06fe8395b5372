package core

// LSN is a log sequence number: the position of an entry in the write-ahead
// log. LSNs are assigned gaplessly and strictly increase per logger instance,
// giving a total order over the log.
type LSN uint64

// TxnID identifies a transaction. IDs are assigned monotonically by the
// coordinator and serve purely as an ordering token for visibility decisions,
// never as a wall-clock.
type TxnID uint64

// InvalidTxnID is the zero TxnID. It is never assigned to a transaction, so it
// doubles as the "absent" marker (e.g. an unset xmax on a version record).
const InvalidTxnID TxnID = 0
