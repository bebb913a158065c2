package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Channel is a mobile-money provider the gateway can charge through.
type Channel string

const (
	ChannelVodacom Channel = "vodacom"
	ChannelTigo    Channel = "tigo"
	ChannelAirtel  Channel = "airtel"
	ChannelHalotel Channel = "halotel"
)

type ChannelInfo struct {
	Channel   Channel         `json:"channel"`
	Name      string          `json:"name"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

var channels = []ChannelInfo{
	{Channel: ChannelVodacom, Name: "Vodacom M-Pesa", MinAmount: decimal.NewFromInt(1000), MaxAmount: decimal.NewFromInt(1000000)},
	{Channel: ChannelTigo, Name: "Tigo Pesa", MinAmount: decimal.NewFromInt(1000), MaxAmount: decimal.NewFromInt(1000000)},
	{Channel: ChannelAirtel, Name: "Airtel Money", MinAmount: decimal.NewFromInt(1000), MaxAmount: decimal.NewFromInt(1000000)},
	{Channel: ChannelHalotel, Name: "Halotel", MinAmount: decimal.NewFromInt(1000), MaxAmount: decimal.NewFromInt(500000)},
}

func Channels() []ChannelInfo {
	out := make([]ChannelInfo, len(channels))
	copy(out, channels)
	return out
}

// LookupChannel resolves a case-insensitive channel name.
func LookupChannel(name string) (ChannelInfo, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range channels {
		if string(c.Channel) == name {
			return c, true
		}
	}
	return ChannelInfo{}, false
}

func (c ChannelInfo) Accepts(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(c.MinAmount) && amount.LessThanOrEqual(c.MaxAmount)
}
