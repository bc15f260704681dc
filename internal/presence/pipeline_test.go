package presence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nugget/blescanner/internal/beacon"
	"github.com/nugget/blescanner/internal/distance"
	"github.com/nugget/blescanner/internal/message"
	"github.com/nugget/blescanner/internal/registry"
)

const testTopic = "ESP32 BLE Scanner/Scan/kitchen"

var phoneID = uuid.MustParse("a1a1a1a1-0000-4000-8000-000000000001")

type published struct {
	topic   string
	payload []byte
	retain  bool
}

type fakePublisher struct {
	connected bool
	err       error
	calls     []published
}

func (f *fakePublisher) Connected() bool { return f.connected }

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	f.calls = append(f.calls, published{topic, payload, retain})
	return f.err
}

type fakeIgnorer struct{ addrs []string }

func (f *fakeIgnorer) Ignore(addr string) { f.addrs = append(f.addrs, addr) }

func newTestPipeline(pub Publisher, ign Ignorer, opts Options) (*Pipeline, *registry.Registry) {
	reg := registry.New(30, []registry.Entry{{ID: phoneID.String(), Name: "Phone"}})
	return New(reg, pub, ign, testTopic, opts, nil), reg
}

func advert(id uuid.UUID, power int8, rssi int) beacon.Advertisement {
	return beacon.Advertisement{
		Payload: beacon.Encode(id, 1, 2, power),
		RSSI:    rssi,
		Address: "AA:BB:CC:DD:EE:FF",
	}
}

func TestOnAdvertisement_EndToEnd(t *testing.T) {
	pub := &fakePublisher{connected: true}
	p, _ := newTestPipeline(pub, nil, Options{})

	p.OnAdvertisement(context.Background(), advert(phoneID, -59, -70))

	if len(pub.calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(pub.calls))
	}
	call := pub.calls[0]
	if call.topic != testTopic {
		t.Errorf("topic = %q, want %q", call.topic, testTopic)
	}
	if call.retain {
		t.Error("presence messages must not be retained")
	}

	var got message.Presence
	if err := json.Unmarshal(call.payload, &got); err != nil {
		t.Fatalf("payload %s is not JSON: %v", call.payload, err)
	}
	if got.ID != phoneID.String() || got.Name != "Phone" {
		t.Errorf("payload = %+v, want id %s name Phone", got, phoneID)
	}
	if got.Distance != 0.177 {
		t.Errorf("distance = %v, want 0.177", got.Distance)
	}

	if c := p.Counters(); c != (Counters{Seen: 1, Matched: 1, Published: 1}) {
		t.Errorf("Counters() = %+v", c)
	}
}

func TestOnAdvertisement_UnknownBeaconNoPublish(t *testing.T) {
	pub := &fakePublisher{connected: true}
	p, _ := newTestPipeline(pub, nil, Options{})

	p.OnAdvertisement(context.Background(), advert(uuid.New(), -59, -70))

	if len(pub.calls) != 0 {
		t.Errorf("publish calls = %d, want 0 for unknown beacon", len(pub.calls))
	}
}

func TestOnAdvertisement_NonBeaconNoPublish(t *testing.T) {
	pub := &fakePublisher{connected: true}
	p, _ := newTestPipeline(pub, nil, Options{})

	p.OnAdvertisement(context.Background(), beacon.Advertisement{Payload: []byte{0x06, 0x00, 0x01}, RSSI: -40})
	p.OnAdvertisement(context.Background(), beacon.Advertisement{RSSI: -40})

	if len(pub.calls) != 0 {
		t.Errorf("publish calls = %d, want 0", len(pub.calls))
	}
	if c := p.Counters(); c.Seen != 2 || c.Matched != 0 {
		t.Errorf("Counters() = %+v, want seen 2 matched 0", c)
	}
}

func TestOnAdvertisement_BrokerDownUpdatesHistoryOnly(t *testing.T) {
	pub := &fakePublisher{connected: false}
	p, reg := newTestPipeline(pub, nil, Options{})

	p.OnAdvertisement(context.Background(), advert(phoneID, -59, -59))

	if len(pub.calls) != 0 {
		t.Errorf("publish calls = %d, want 0 while disconnected", len(pub.calls))
	}
	dev, _ := reg.Lookup(phoneID.String())
	if got := dev.Smoothed(); got != 0.05 {
		t.Errorf("Smoothed() = %v, want 0.05", got)
	}
}

func TestOnAdvertisement_PublishFailureNotRetried(t *testing.T) {
	pub := &fakePublisher{connected: true, err: errors.New("no ack")}
	p, _ := newTestPipeline(pub, nil, Options{})

	p.OnAdvertisement(context.Background(), advert(phoneID, -59, -70))

	if len(pub.calls) != 1 {
		t.Errorf("publish calls = %d, want exactly 1", len(pub.calls))
	}
	if c := p.Counters(); c.Published != 0 {
		t.Errorf("Published = %d, want 0 after failure", c.Published)
	}
}

func TestOnAdvertisement_SmoothsRepeats(t *testing.T) {
	pub := &fakePublisher{connected: true}
	p, _ := newTestPipeline(pub, nil, Options{})

	p.OnAdvertisement(context.Background(), advert(phoneID, -59, -59)) // 0.05
	p.OnAdvertisement(context.Background(), advert(phoneID, -59, -79)) // 0.5

	var second message.Presence
	if err := json.Unmarshal(pub.calls[1].payload, &second); err != nil {
		t.Fatal(err)
	}
	if second.Distance != 0.275 {
		t.Errorf("second distance = %v, want mean 0.275", second.Distance)
	}
}

func TestOnAdvertisement_IgnoreOptions(t *testing.T) {
	nonBeacon := beacon.Advertisement{Payload: []byte{0x06, 0x00}, Address: "11:11"}
	unknown := advert(uuid.New(), -59, -70)
	unknown.Address = "22:22"

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"disabled", Options{}, nil},
		{"non-beacons", Options{IgnoreNonBeacons: true}, []string{"11:11"}},
		{"unknown beacons", Options{IgnoreUnknownBeacons: true}, []string{"22:22"}},
		{"both", Options{IgnoreNonBeacons: true, IgnoreUnknownBeacons: true}, []string{"11:11", "22:22"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ign := &fakeIgnorer{}
			p, _ := newTestPipeline(&fakePublisher{connected: true}, ign, tt.opts)

			p.OnAdvertisement(context.Background(), nonBeacon)
			p.OnAdvertisement(context.Background(), unknown)
			p.OnAdvertisement(context.Background(), advert(phoneID, -59, -70))

			if len(ign.addrs) != len(tt.want) {
				t.Fatalf("ignored = %v, want %v", ign.addrs, tt.want)
			}
			for i := range tt.want {
				if ign.addrs[i] != tt.want[i] {
					t.Errorf("ignored[%d] = %q, want %q", i, ign.addrs[i], tt.want[i])
				}
			}
		})
	}
}

func TestResetCounters(t *testing.T) {
	p, _ := newTestPipeline(&fakePublisher{connected: true}, nil, Options{})
	p.OnAdvertisement(context.Background(), advert(phoneID, -59, -70))

	prev := p.ResetCounters()
	if prev.Seen != 1 {
		t.Errorf("ResetCounters() seen = %d, want 1", prev.Seen)
	}
	if c := p.Counters(); c != (Counters{}) {
		t.Errorf("Counters() after reset = %+v, want zero", c)
	}
}

func TestNoDataSentinelIsNotZero(t *testing.T) {
	if distance.NoData >= 0 {
		t.Fatalf("NoData = %v, must be negative so it never reads as proximity", distance.NoData)
	}
}
