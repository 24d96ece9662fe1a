package abci

// Result codes shared by CheckTx, transaction execution and Query.
// Code zero is success; everything else is a failure whose detail lives in
// the response log.
const (
	CodeOK    uint32 = 0
	CodeError uint32 = 1
)
