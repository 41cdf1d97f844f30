package schema

import (
	"time"

	"github.com/gofrs/uuid"
)

// EventKind defines the category of an event travelling on the bus.
type EventKind uint16

const (
	KindUnknown EventKind = iota
	KindMarketData
	KindSignal
	KindOrder
	KindOrderAccepted
	KindOrderRejected
	KindFill
	KindOrderCancelled
	KindOrderExpired
	KindPortfolioUpdate
)

// MaxKind is the highest defined event kind.
const MaxKind = KindPortfolioUpdate

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindMarketData:      "market_data",
	KindSignal:          "signal",
	KindOrder:           "order",
	KindOrderAccepted:   "order_accepted",
	KindOrderRejected:   "order_rejected",
	KindFill:            "fill",
	KindOrderCancelled:  "order_cancelled",
	KindOrderExpired:    "order_expired",
	KindPortfolioUpdate: "portfolio_update",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Header is the common metadata attached to every event.
type Header struct {
	Kind          EventKind
	Seq           uint64
	Time          time.Time
	CorrelationID string
}

// Payload is implemented only by the payload types of this package,
// which keeps the set of event kinds closed.
type Payload interface {
	Kind() EventKind
	sealed()
}

// Event is an immutable message. Payloads are values; never mutate one
// after it has been published.
type Event struct {
	Header  Header
	Payload Payload
}

// NewEvent builds an event stamped with the current time. An empty
// correlation id starts a new correlation chain.
func NewEvent(correlationID string, payload Payload) Event {
	if correlationID == "" {
		correlationID = NewID()
	}
	kind := KindUnknown
	if payload != nil {
		kind = payload.Kind()
	}
	return Event{
		Header: Header{
			Kind:          kind,
			Time:          time.Now().UTC(),
			CorrelationID: correlationID,
		},
		Payload: payload,
	}
}

// Kind returns the header kind.
func (e Event) Kind() EventKind {
	return e.Header.Kind
}

// NewID returns a random identifier for orders, fills and correlation chains.
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}
