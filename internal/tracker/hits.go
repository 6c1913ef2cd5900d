package tracker

import (
	"strconv"
	"strings"
	"time"
)

// Transaction is an e-commerce purchase. Amounts are in micros
// (millionths of the currency unit).
type Transaction struct {
	ID             string
	Affiliation    string
	TotalMicros    int64
	TaxMicros      int64
	ShippingMicros int64
	CurrencyCode   string

	items []Item
}

// Item is one line of a Transaction.
type Item struct {
	SKU         string
	Name        string
	Category    string
	PriceMicros int64
	Quantity    int64
}

// AddItem adds item, replacing an earlier item with the same SKU.
func (tx *Transaction) AddItem(item Item) {
	for i := range tx.items {
		if tx.items[i].SKU == item.SKU {
			tx.items[i] = item
			return
		}
	}
	tx.items = append(tx.items, item)
}

// Items returns the transaction's items in insertion order.
func (tx *Transaction) Items() []Item {
	return append([]Item(nil), tx.items...)
}

// SendView sends an app view. An empty screen uses the screen set by
// SetAppScreen; a non-empty one also becomes the current screen.
func (t *Tracker) SendView(screen string) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	if screen == "" {
		if t.model.get(FieldDescription) == "" {
			return ErrNoScreen
		}
		t.usage.record(apiSendView)
	} else {
		t.usage.record(apiSendViewWithScreen)
		t.model.set(FieldDescription, screen)
	}
	t.send(HitAppView, nil)
	return nil
}

// SendEvent sends an event. A nil value omits the event value.
func (t *Tracker) SendEvent(category, action, label string, value *int64) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSendEvent)
	t.send(HitEvent, EventFields(category, action, label, value))
	return nil
}

// SendTransaction sends the transaction hit followed by one item hit per
// item.
func (t *Tracker) SendTransaction(tx *Transaction) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSendTransaction)
	t.send(HitTransaction, TransactionFields(tx))
	for _, item := range tx.items {
		t.send(HitItem, ItemFields(item, tx))
	}
	return nil
}

// SendException sends an exception description.
func (t *Tracker) SendException(description string, fatal bool) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSendException)
	t.send(HitException, ExceptionFields(description, fatal))
	return nil
}

// SendTiming sends a user timing.
func (t *Tracker) SendTiming(category string, interval time.Duration, name, label string) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSendTiming)
	t.send(HitTiming, TimingFields(category, interval, name, label))
	return nil
}

// SendSocial sends a social interaction.
func (t *Tracker) SendSocial(network, action, target string) error {
	if t.closed.Load() {
		return ErrTrackerClosed
	}
	t.usage.record(apiSendSocial)
	t.send(HitSocial, SocialFields(network, action, target))
	return nil
}

// EventFields builds the fields of an event hit.
func EventFields(category, action, label string, value *int64) map[string]string {
	fields := map[string]string{
		"eventCategory": category,
		"eventAction":   action,
		"eventLabel":    label,
	}
	if value != nil {
		fields["eventValue"] = strconv.FormatInt(*value, 10)
	}
	return fields
}

// TransactionFields builds the fields of a transaction hit.
func TransactionFields(tx *Transaction) map[string]string {
	return map[string]string{
		"transactionId":          tx.ID,
		"transactionAffiliation": tx.Affiliation,
		"transactionShipping":    microsToCurrency(tx.ShippingMicros),
		"transactionTax":         microsToCurrency(tx.TaxMicros),
		"transactionTotal":       microsToCurrency(tx.TotalMicros),
		"currencyCode":           tx.CurrencyCode,
	}
}

// ItemFields builds the fields of an item hit belonging to tx.
func ItemFields(item Item, tx *Transaction) map[string]string {
	return map[string]string{
		"transactionId": tx.ID,
		"currencyCode":  tx.CurrencyCode,
		"itemCode":      item.SKU,
		"itemName":      item.Name,
		"itemCategory":  item.Category,
		"itemPrice":     microsToCurrency(item.PriceMicros),
		"itemQuantity":  strconv.FormatInt(item.Quantity, 10),
	}
}

// ExceptionFields builds the fields of an exception hit.
func ExceptionFields(description string, fatal bool) map[string]string {
	return map[string]string{
		"exDescription": description,
		"exFatal":       strconv.FormatBool(fatal),
	}
}

// TimingFields builds the fields of a timing hit.
func TimingFields(category string, interval time.Duration, name, label string) map[string]string {
	return map[string]string{
		"timingCategory": category,
		"timingValue":    timingMillis(interval),
		"timingVar":      name,
		"timingLabel":    label,
	}
}

// SocialFields builds the fields of a social hit.
func SocialFields(network, action, target string) map[string]string {
	return map[string]string{
		"socialNetwork": network,
		"socialAction":  action,
		"socialTarget":  target,
	}
}

// microsToCurrency renders micros as a decimal with at most six
// fractional digits and no trailing zeros.
func microsToCurrency(micros int64) string {
	s := strconv.FormatFloat(float64(micros)/1e6, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
