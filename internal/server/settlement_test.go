package server

import "testing"

func TestAMQPRoutingKeys(t *testing.T) {
	cases := []struct {
		eventType string
		key       string
		publish   bool
	}{
		{"settlement.created", "settlement.created", true},
		{"booking.expired", "booking.refund", true},
		{"booking.cancelled", "booking.refund", true},
		{"booking.created", "", false},
		{"dispatch.broadcast", "", false},
		{"travel.advanced", "", false},
		{"handshake.requested", "", false},
		{"payment.collected", "", false},
		{"booking.completed", "", false},
	}
	for _, tc := range cases {
		key, ok := amqpRoutingKey(tc.eventType)
		if ok != tc.publish || key != tc.key {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", tc.eventType, key, ok, tc.key, tc.publish)
		}
	}
}

func TestWebhookEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	if !all.match("booking.created") {
		t.Fatalf("empty filter must match everything")
	}
	scoped := newEventFilter([]string{"settlement.created", " booking.expired "})
	if !scoped.match("settlement.created") || !scoped.match("booking.expired") {
		t.Fatalf("scoped filter dropped a listed type")
	}
	if scoped.match("travel.advanced") {
		t.Fatalf("scoped filter matched an unlisted type")
	}
}
