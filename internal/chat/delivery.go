package chat

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliveryAcked   DeliveryState = "acked"
	DeliveryFailed  DeliveryState = "failed"
)

func (s DeliveryState) Settled() bool {
	return s == DeliveryAcked || s == DeliveryFailed
}
