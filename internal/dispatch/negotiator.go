package dispatch

import (
	"math/rand"
	"time"

	"roadassist/internal/model"
)

// MinQuoteAmount is the floor applied to every generated quote.
const MinQuoteAmount = 20

// Negotiator generates price quotes. First quotes vary around the base price;
// revisions are a fixed discount so a declined customer always sees a cheaper
// second offer from the same employee.
type Negotiator struct {
	rnd *rand.Rand
	now func() time.Time
}

func NewNegotiator(src rand.Source, now func() time.Time) *Negotiator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if now == nil {
		now = time.Now
	}
	return &Negotiator{rnd: rand.New(src), now: now}
}

// GenerateQuote prices a service. Revised quotes are base-10; initial quotes
// get a random adjustment in [-10,+9]. Amounts never drop below MinQuoteAmount.
func (n *Negotiator) GenerateQuote(t model.ServiceType, revised bool) model.Quote {
	base := model.BasePrices[t]
	var amount int
	if revised {
		amount = base - 10
	} else {
		amount = base + n.rnd.Intn(20) - 10
	}
	if amount < MinQuoteAmount {
		amount = MinQuoteAmount
	}
	return model.Quote{Amount: amount, Revised: revised, IssuedAt: n.now().UTC()}
}
