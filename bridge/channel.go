package bridge

import (
	"fmt"

	"github.com/code-payments/purchase-bridge/model"
	"github.com/code-payments/purchase-bridge/state"
)

// Channel names one of the streams a caller can listen on.
type Channel string

const (
	ChannelAvailableSubscriptions   Channel = "available_subscriptions"
	ChannelPurchasedSubscriptions   Channel = "purchased_subscriptions"
	ChannelAvailableOneTimeProducts Channel = "available_one_time_products"
	ChannelPurchasedOneTimeProducts Channel = "purchased_one_time_products"
)

var Channels = []Channel{
	ChannelAvailableSubscriptions,
	ChannelPurchasedSubscriptions,
	ChannelAvailableOneTimeProducts,
	ChannelPurchasedOneTimeProducts,
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel: %q", s)
	}
	return c, nil
}

func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

func (c Channel) String() string {
	return string(c)
}

// topic is the cache topic whose publications change this channel's value.
func (c Channel) topic() state.Topic {
	switch c {
	case ChannelAvailableSubscriptions, ChannelAvailableOneTimeProducts:
		return state.TopicCatalog
	case ChannelPurchasedSubscriptions, ChannelPurchasedOneTimeProducts:
		return state.TopicPurchased
	default:
		return state.TopicUnknown
	}
}

func (c Channel) products(s *state.Snapshot) []*model.Product {
	switch c {
	case ChannelAvailableSubscriptions:
		return s.AvailableSubscriptions
	case ChannelPurchasedSubscriptions:
		return s.PurchasedSubscriptions
	case ChannelAvailableOneTimeProducts:
		return s.AvailableOneTime
	case ChannelPurchasedOneTimeProducts:
		return s.PurchasedOneTime
	default:
		return nil
	}
}
