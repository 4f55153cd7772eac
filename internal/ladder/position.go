package ladder

import (
	"binance-ladder-bot-go/internal/models"
	"math"
	"time"
)

// ApplyFill books qty at price onto the symbol's position. It returns the
// position left open (nil when flat), the position that was closed (nil when
// none) and the PnL realized by the reducing part of the fill.
func ApplyFill(pos *models.Position, o *models.LadderOrder, qty, price float64, at time.Time) (open, closed *models.Position, realized float64) {
	dir := models.Long
	if o.Side == models.Sell {
		dir = models.Short
	}
	if pos == nil || pos.Size <= sizeEpsilon {
		return newPosition(o, dir, qty, price, at), nil, 0
	}

	if pos.Side == dir {
		// 加仓，按成交量加权更新均价
		next := *pos
		next.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / (pos.Size + qty)
		next.Size = pos.Size + qty
		return &next, nil, 0
	}

	closing := math.Min(qty, pos.Size)
	realized = (price - pos.EntryPrice) * closing
	if pos.Side == models.Short {
		realized = -realized
	}
	if remaining := pos.Size - closing; remaining > sizeEpsilon {
		next := *pos
		next.Size = remaining
		next.RealizedPnL += realized
		return &next, nil, realized
	}

	done := *pos
	done.ClosedAt = at
	done.RealizedPnL += realized
	closed = &done
	if rest := qty - closing; rest > sizeEpsilon {
		open = newPosition(o, dir, rest, price, at)
	}
	return open, closed, realized
}

func newPosition(o *models.LadderOrder, dir models.PositionSide, qty, price float64, at time.Time) *models.Position {
	return &models.Position{
		Symbol:        o.Symbol,
		Side:          dir,
		Size:          qty,
		EntryPrice:    price,
		EntryLadderID: o.LadderID,
		OpenedAt:      at,
	}
}
