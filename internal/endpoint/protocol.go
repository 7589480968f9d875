package endpoint

// ErrorCode is the stable wire error taxonomy (spec §6/§7). Values are
// sent verbatim as the "code" field of an error event.
type ErrorCode string

const (
	CodeWSConnectFailed      ErrorCode = "WS_CONNECT_FAILED"
	CodeWSSubscribeRejected  ErrorCode = "WS_SUBSCRIBE_REJECTED"
	CodeWSStreamTimeout      ErrorCode = "WS_STREAM_TIMEOUT"
	CodeWSProtocolError      ErrorCode = "WS_PROTOCOL_ERROR"
	CodeRESTBackfillFailed   ErrorCode = "REST_BACKFILL_FAILED"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeUnsupportedContract  ErrorCode = "UNSUPPORTED_CONTRACT_TYPE"
	CodeInvalidSymbol        ErrorCode = "INVALID_SYMBOL"
	CodeQueueBackpressure    ErrorCode = "INTERNAL_QUEUE_BACKPRESSURE"
	CodeConnectionPoolBusy   ErrorCode = "CONNECTION_POOL_BUSY"
	CodeUnknown              ErrorCode = "UNKNOWN"
)

// subscribeEnvelope is the one client->server message a connection ever
// sends.
type subscribeEnvelope struct {
	Exchange     string   `json:"exchange"`
	Symbols      []string `json:"symbols"`
	ContractType *string  `json:"contract_type"`
	Limit        *int     `json:"limit"`
}

func (e subscribeEnvelope) contractType() string {
	if e.ContractType == nil {
		return ""
	}
	return *e.ContractType
}

func (e subscribeEnvelope) limit() int {
	if e.Limit == nil {
		return 0
	}
	return *e.Limit
}

type ackEvent struct {
	Type         string   `json:"type"`
	Exchange     string   `json:"exchange"`
	ContractType string   `json:"contract_type,omitempty"`
	Symbols      []string `json:"symbols"`
	Limit        int      `json:"limit"`
}

type candleData struct {
	OpenMs   int64   `json:"t"`
	CloseMs  int64   `json:"T"`
	Symbol   string  `json:"s"`
	Interval string  `json:"i"`
	Open     float64 `json:"o"`
	Close    float64 `json:"c"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Volume   float64 `json:"v"`
	IsFinal  bool    `json:"x"`
}

type candleEvent struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Candle    candleData `json:"k"`
}

type errorEvent struct {
	Type            string    `json:"type"`
	Code            ErrorCode `json:"code"`
	Message         string    `json:"message"`
	Exchange        string    `json:"exchange,omitempty"`
	ContractType    string    `json:"contract_type,omitempty"`
	Symbols         []string  `json:"symbols,omitempty"`
	ExchangeMessage string    `json:"exchange_message,omitempty"`
}
