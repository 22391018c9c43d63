package bus

import (
	"strings"
	"testing"
	"time"
)

func TestTopics_AreDistinctAndDotted(t *testing.T) {
	topics := []string{TopicUserCreated, TopicAIModeChanged, TopicTagsChanged, TopicRelayFailed}
	seen := make(map[string]struct{})
	for _, topic := range topics {
		if !strings.Contains(topic, ".") {
			t.Fatalf("topic %q has no namespace", topic)
		}
		if _, dup := seen[topic]; dup {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = struct{}{}
	}
}

func TestBus_TypedPayloadDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("aimode.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicAIModeChanged, AIModeChangedEvent{UserID: 111, Enabled: false, Actor: 9})
	b.Publish(TopicUserCreated, UserCreatedEvent{UserID: 111, TopicID: 555})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(AIModeChangedEvent)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if payload.UserID != 111 || payload.Enabled {
			t.Fatalf("unexpected payload %#v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for aimode event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q on aimode subscription", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTagsChanged, TagsChangedEvent{Username: "bob"})
}
