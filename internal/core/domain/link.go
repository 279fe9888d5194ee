package domain

// LinkState is the negotiation state of one peer link.
type LinkState string

const (
	LinkStateNew           LinkState = "new"
	LinkStateOfferSent     LinkState = "offer-sent"
	LinkStateOfferReceived LinkState = "offer-received"
	LinkStateAnswered      LinkState = "answered"
	LinkStateConnected     LinkState = "connected"
	LinkStateDisconnected  LinkState = "disconnected"
	LinkStateFailed        LinkState = "failed"
	LinkStateClosed        LinkState = "closed"
)

// Terminal reports whether the link can never negotiate again.
func (s LinkState) Terminal() bool {
	return s == LinkStateClosed
}
