package pricing

import (
	"fmt"
	"math"
)

// Tier 按机器人数量划分的定价档位
type Tier string

const (
	TierStartup Tier = "startup"
	TierGrowth  Tier = "growth"
	TierScale   Tier = "scale"
)

const (
	MinBots = 5
	MaxBots = 1000

	monthlyFloorUSD = 120
	perBotFloorUSD  = 10
)

// ValidBotCount 检查机器人数量是否在可购买区间内
func ValidBotCount(bots int) bool {
	return bots >= MinBots && bots <= MaxBots
}

// Price 计算 bots 个并发机器人的月价（整美元）。
// 所有报价入口（展示、checkout、改量）必须走这一个函数，
// 舍入顺序不能改动，否则会出现账单金额不一致。
func Price(bots int) int {
	// 单价从 $24 随量衰减趋近 $10：cost = 10 + 14 * e^(-bots/100)
	perBotCost := 10 + 14*math.Exp(-float64(bots)/100)

	basePrice := int(math.Round(float64(bots) * math.Max(perBotFloorUSD, perBotCost)))
	if basePrice < monthlyFloorUSD {
		basePrice = monthlyFloorUSD
	}

	// 档位折扣，只取最高一档，不叠加
	switch {
	case bots >= 180:
		basePrice = int(math.Round(float64(basePrice) * 0.85))
	case bots >= 30:
		basePrice = int(math.Round(float64(basePrice) * 0.90))
	case bots >= MinBots:
		basePrice = int(math.Round(float64(basePrice) * 0.95))
	}

	// 折扣后重新落底：绝对月费下限和 $10/bot 下限都要保住
	if minTotal := bots * perBotFloorUSD; basePrice < minTotal {
		basePrice = minTotal
	}
	if basePrice < monthlyFloorUSD {
		basePrice = monthlyFloorUSD
	}
	return basePrice
}

// TierFor 返回展示和 metadata 用的档位名。
// 注意边界用 <，折扣用 >=，两者在 30 和 180 处天然一致。
func TierFor(bots int) Tier {
	switch {
	case bots < 30:
		return TierStartup
	case bots < 180:
		return TierGrowth
	default:
		return TierScale
	}
}

// Quote 单次报价，纯函数产物，不落库
type Quote struct {
	BotCount    int    `json:"botCount"`
	PriceUSD    int    `json:"priceUsd"`
	Tier        Tier   `json:"tier"`
	PricePerBot string `json:"pricePerBot"`
}

func NewQuote(bots int) Quote {
	price := Price(bots)
	return Quote{
		BotCount:    bots,
		PriceUSD:    price,
		Tier:        TierFor(bots),
		PricePerBot: fmt.Sprintf("%.2f", float64(price)/float64(bots)),
	}
}

// AmountCents Stripe 以分计价
func (q Quote) AmountCents() int64 {
	return int64(q.PriceUSD) * 100
}
