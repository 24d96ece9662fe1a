package core

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"xianchain/abci"
	"xianchain/canonical"
	"xianchain/core/rewards"
	"xianchain/core/types"
)

// Query window defaults mirror the admission limits of the data service.
const (
	queryLimitDefault = 100
	queryLimitMax     = 1000
)

// Simulator executes a transaction against the committed view without
// buffering any writes. The execution engine implements it to back stamp
// estimation.
type Simulator interface {
	Simulate(req *ExecRequest) (*ExecOutput, error)
}

// ContractInspector extracts the callable surface of stored contract
// source. The execution engine implements it when it can parse contracts.
type ContractInspector interface {
	Methods(source string) ([]MethodSpec, error)
	Variables(source string) ([]string, error)
}

// MethodSpec describes one exported contract function.
type MethodSpec struct {
	Name      string    `json:"name"`
	Arguments []ArgSpec `json:"arguments"`
}

// ArgSpec is one declared argument of a contract function.
type ArgSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DataService answers the historical queries the state driver cannot: the
// chain data service implements it over its own store.
type DataService interface {
	State(key string, limit, offset int) (any, error)
	StateHistory(key string, limit, offset int) (any, error)
	StateForTx(hash string) (any, error)
	StateForBlock(ref string) (any, error)
	Contracts(limit, offset int) (any, error)
}

// SetDataService attaches the historical query backend. Paths that need it
// answer with an error code until one is attached.
func (a *App) SetDataService(ds DataService) { a.dataService = ds }

// Query serves read-only lookups against committed state. The path is
// slash-separated: the first segment routes, the second carries the
// argument, and later limit=/offset= segments window list results.
// Failures map to an error code; queries never disturb consensus state.
func (a *App) Query(ctx context.Context, req *abci.RequestQuery) (*abci.ResponseQuery, error) {
	if err := a.awaitGenesis(); err != nil {
		return nil, err
	}

	parts := splitQueryPath(req.Path)
	if len(parts) == 0 {
		return unknownQueryPath(req.Path), nil
	}
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	result, handled, err := a.routeQuery(parts, arg)
	if !handled {
		return unknownQueryPath(parts[0]), nil
	}
	if err != nil {
		a.log.Error("query failed", "path", req.Path, "error", err)
		return &abci.ResponseQuery{Code: abci.CodeError, Log: err.Error()}, nil
	}

	value, info, err := encodeQueryResult(result)
	if err != nil {
		a.log.Error("query result not encodable", "path", req.Path, "error", err)
		return &abci.ResponseQuery{Code: abci.CodeError}, nil
	}
	return &abci.ResponseQuery{
		Code:  abci.CodeOK,
		Key:   []byte(arg),
		Value: value,
		Info:  info,
	}, nil
}

func (a *App) routeQuery(parts []string, arg string) (any, bool, error) {
	switch parts[0] {
	case "get":
		result, err := a.driver.GetCommitted(arg)
		return result, true, err

	case "health":
		return "OK", true, nil

	case "ping":
		return map[string]any{"status": "online"}, true, nil

	case "get_next_nonce":
		next, err := a.nonces.NextUsable(arg)
		return next, true, err

	case "contract":
		source, _, err := a.contractSource(arg)
		if err != nil || source == "" {
			return nil, true, err
		}
		return source, true, nil

	case "contract_methods":
		source, inspector, err := a.contractSource(arg)
		if err != nil || source == "" {
			return nil, true, err
		}
		if inspector == nil {
			return nil, true, errInspectionUnavailable
		}
		methods, err := inspector.Methods(source)
		if err != nil {
			return nil, true, err
		}
		return map[string]any{"methods": methods}, true, nil

	case "contract_vars":
		source, inspector, err := a.contractSource(arg)
		if err != nil || source == "" {
			return nil, true, err
		}
		if inspector == nil {
			return nil, true, errInspectionUnavailable
		}
		vars, err := inspector.Variables(source)
		return vars, true, err
	}

	if !a.opts.BlockServiceMode {
		return nil, false, nil
	}

	limit, offset := queryWindow(parts)
	switch parts[0] {
	case "keys":
		keys, err := a.driver.Keys(arg)
		if err != nil {
			return nil, true, err
		}
		names := make([]string, 0, len(keys))
		for _, k := range keys {
			segments := strings.Split(k, ":")
			if len(segments) < 2 {
				continue
			}
			names = append(names, segments[1])
		}
		return names, true, nil

	case "state":
		if a.dataService == nil {
			return nil, true, errDataServiceUnavailable
		}
		result, err := a.dataService.State(arg, limit, offset)
		return result, true, err

	case "state_history":
		if a.dataService == nil {
			return nil, true, errDataServiceUnavailable
		}
		result, err := a.dataService.StateHistory(arg, limit, offset)
		return result, true, err

	case "state_for_tx":
		if a.txIndex != nil {
			rec, ok, err := a.txIndex.Get(arg)
			if err != nil {
				return nil, true, err
			}
			if ok {
				var parsed map[string]any
				if err := json.Unmarshal(rec.Result, &parsed); err != nil {
					return nil, true, err
				}
				return parsed["state"], true, nil
			}
		}
		if a.dataService == nil {
			return nil, true, errDataServiceUnavailable
		}
		result, err := a.dataService.StateForTx(arg)
		return result, true, err

	case "state_for_block":
		if a.dataService == nil {
			return nil, true, errDataServiceUnavailable
		}
		result, err := a.dataService.StateForBlock(arg)
		return result, true, err

	case "state_patches":
		return a.patches.Snapshot(), true, nil

	case "contracts":
		if a.dataService == nil {
			return nil, true, errDataServiceUnavailable
		}
		result, err := a.dataService.Contracts(limit, offset)
		return result, true, err

	case "simulate_tx", "calculate_stamps":
		result, err := a.simulateRaw(arg)
		return result, true, err
	}

	return nil, false, nil
}

var (
	errInspectionUnavailable  = &types.TxError{Kind: types.KindPolicy, Message: "Contract inspection is not available on this node"}
	errDataServiceUnavailable = &types.TxError{Kind: types.KindPolicy, Message: "Historical queries require block service mode with a data service attached"}
)

// contractSource reads a contract's stored source from the committed view
// and pairs it with the engine's inspector when one exists.
func (a *App) contractSource(name string) (string, ContractInspector, error) {
	inspector, _ := a.engine.(ContractInspector)
	value, err := a.driver.GetCommitted(name + ".__code__")
	if err != nil || value == nil {
		return "", inspector, err
	}
	source, ok := value.(string)
	if !ok {
		return "", inspector, nil
	}
	return source, inspector, nil
}

// simulateRaw runs a hex-encoded transaction through the engine's
// simulator against committed state, reporting the stamps it would burn.
// Nothing is buffered or applied.
func (a *App) simulateRaw(rawHex string) (any, error) {
	sim, ok := a.engine.(Simulator)
	if !ok {
		return nil, &types.TxError{Kind: types.KindPolicy, Message: "Transaction simulation is not available on this node"}
	}

	tx, err := types.DecodeRaw([]byte(rawHex))
	if err != nil {
		return nil, err
	}

	lb, err := a.pointer.Get()
	if err != nil {
		return nil, err
	}
	nanos, err := a.driver.AppliedNanos()
	if err != nil {
		return nil, err
	}
	meta := types.BlockMeta{
		ChainID: a.opts.ChainID,
		Hash:    lb.Hash,
		Height:  lb.Height + 1,
		Nanos:   nanos,
	}

	output, err := sim.Simulate(&ExecRequest{
		Sender:         tx.Payload.Sender,
		Contract:       tx.Payload.Contract,
		Function:       tx.Payload.Function,
		Kwargs:         tx.Payload.Kwargs,
		StampsSupplied: tx.Payload.StampsSupplied,
		StampCost:      a.committedStampRate(),
		Environment:    BuildEnvironment(tx, meta),
		Metering:       true,
	})
	if err != nil {
		return nil, err
	}

	writes := make([]types.StateWrite, 0, len(output.Writes))
	for key, value := range output.Writes {
		writes = append(writes, types.StateWrite{Key: key, Value: value})
	}
	sortWrites(writes)

	return map[string]any{
		"result":      output.Result,
		"stamps_used": output.StampsUsed,
		"state":       pruneCompiled(writes),
		"status":      output.Status,
	}, nil
}

// committedStampRate reads the stamp rate from the committed view only,
// defaulting to one like the execution path does.
func (a *App) committedStampRate() int64 {
	raw, err := a.driver.GetCommitted(stampRateKey)
	if err != nil || raw == nil {
		return 1
	}
	rate, err := rewards.ParseDecimal(raw)
	if err != nil || rate.IntPart() < 1 {
		return 1
	}
	return rate.IntPart()
}

func splitQueryPath(path string) []string {
	parts := make([]string, 0, 4)
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// queryWindow extracts limit= and offset= segments. Out-of-range values
// fall back to the defaults instead of erroring.
func queryWindow(parts []string) (limit, offset int) {
	limit = queryLimitDefault
	for _, part := range parts {
		name, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch name {
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > queryLimitMax {
				limit = queryLimitDefault
			} else {
				limit = n
			}
		case "offset":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				offset = 0
			} else {
				offset = n
			}
		}
	}
	return limit, offset
}

// encodeQueryResult flattens a query result to response bytes plus the
// type hint clients key on.
func encodeQueryResult(result any) (value []byte, info string, err error) {
	switch v := result.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(v), "str", nil
	case int:
		return []byte(strconv.Itoa(v)), "int", nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), "int", nil
	case json.Number:
		s := v.String()
		if strings.ContainsAny(s, ".eE") {
			return []byte(s), "decimal", nil
		}
		return []byte(s), "int", nil
	case bool:
		return []byte(strconv.FormatBool(v)), "str", nil
	default:
		if fixed, ok := fixedDecimalString(result); ok {
			return []byte(fixed), "decimal", nil
		}
		raw, err := canonical.Marshal(result)
		if err != nil {
			return nil, "", err
		}
		return raw, "str", nil
	}
}

// fixedDecimalString unwraps the {"__fixed__": "..."} decimal envelope.
func fixedDecimalString(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	s, ok := m["__fixed__"].(string)
	return s, ok
}

func unknownQueryPath(path string) *abci.ResponseQuery {
	return &abci.ResponseQuery{
		Code:  abci.CodeError,
		Value: []byte{0},
		Log:   "Unknown query path: " + path,
	}
}
