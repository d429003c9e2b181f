package api

// OrderInfo is the public view of an order.
type OrderInfo struct {
	Idx        int64       `json:"idx"`
	Epoch      int64       `json:"epoch"`
	Product    string      `json:"product"`
	Strike     int64       `json:"strike"`
	OverUser   string      `json:"overUser"`
	UnderUser  string      `json:"underUser"`
	OverPrice  int64       `json:"overPrice"`
	UnderPrice int64       `json:"underPrice"`
	Unit       int64       `json:"unit"`
	Settled    bool        `json:"settled"`
	Result     *ResultInfo `json:"result,omitempty"`
}

type ResultInfo struct {
	WinPosition string `json:"winPosition"`
	WinAmount   int64  `json:"winAmount"`
	FeeRate     int64  `json:"feeRate"`
	Fee         int64  `json:"fee"`
}

type EpochResponse struct {
	Epoch int64 `json:"epoch"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

type UnsettledResponse struct {
	Epoch     int64 `json:"epoch"`
	Unsettled int   `json:"unsettled"`
}

// OpenCloseRequest drives one round transition. Updates carry the oracle
// payloads; encoding/json maps []byte to base64 strings on the wire.
type OpenCloseRequest struct {
	Updates        [][]byte `json:"updates"`
	InitDate       int64    `json:"initDate"`
	SkipSettlement bool     `json:"skipSettlement"`
}

type OverrideRequest struct {
	Prices         map[string]int64 `json:"prices"`
	InitDate       int64            `json:"initDate"`
	SkipSettlement bool             `json:"skipSettlement"`
}

type EmergencyReleaseRequest struct {
	Epoch int64 `json:"epoch"`
}

type SubmitOrderItem struct {
	Idx        int64  `json:"idx"`
	Epoch      int64  `json:"epoch"`
	Product    string `json:"product"`
	Strike     int64  `json:"strike"`
	OverUser   string `json:"overUser"`
	UnderUser  string `json:"underUser"`
	OverPrice  int64  `json:"overPrice"`
	UnderPrice int64  `json:"underPrice"`
	Unit       int64  `json:"unit"`
}

type SubmitOrdersRequest struct {
	Orders []SubmitOrderItem `json:"orders"`
}

type SettleBatchRequest struct {
	Epoch         int64 `json:"epoch"`
	MaxFeeBearing int   `json:"maxFeeBearing"`
	MaxIterations int   `json:"maxIterations"`
}

type CommissionRequest struct {
	Bps int64 `json:"bps"`
}

type ProductRequest struct {
	Symbol  string `json:"symbol"`
	PriceID string `json:"priceId"`
}

type BackfillRequest struct {
	Epochs []int64 `json:"epochs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RoundEvent is broadcast on the "rounds" channel when a round opens or its
// price finalizes.
type RoundEvent struct {
	Type  string `json:"type"` // "round_opened" | "round_closed"
	Epoch int64  `json:"epoch"`
	Ts    int64  `json:"ts"`
}

// SettlementEvent is broadcast on the "settlements" channel per settled order.
type SettlementEvent struct {
	Type        string `json:"type"` // "order_settled"
	Idx         int64  `json:"idx"`
	Epoch       int64  `json:"epoch"`
	WinPosition string `json:"winPosition"`
	WinAmount   int64  `json:"winAmount"`
	Fee         int64  `json:"fee"`
	Ts          int64  `json:"ts"`
}

// WSSubscribeRequest is the client->server subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}
