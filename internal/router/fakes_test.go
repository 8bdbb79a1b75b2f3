package router

import (
	"context"
	"strings"
	"sync"

	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/iot"
	"github.com/nugget/agrifarm/internal/knowledge"
	"github.com/nugget/agrifarm/internal/mqtt"
	"github.com/nugget/agrifarm/internal/users"
)

type fakeCredits struct {
	calls int
	err   error
}

func (f *fakeCredits) DeductCredit(_ context.Context, _ string) (int, error) {
	f.calls++
	return 0, f.err
}

type fakeSearcher struct {
	chunks []knowledge.StoredChunk
	err    error
	calls  int
}

func (f *fakeSearcher) SearchKeywords(_ context.Context, _ string, limit int) ([]knowledge.StoredChunk, error) {
	f.calls++
	if len(f.chunks) > limit {
		return f.chunks[:limit], f.err
	}
	return f.chunks, f.err
}

type fakeVectors struct {
	chunks []knowledge.StoredChunk
}

func (f *fakeVectors) AllEmbedded(context.Context) ([]knowledge.StoredChunk, error) {
	return f.chunks, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Generate(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeLLM struct {
	mu      sync.Mutex
	answer  string
	err     error
	prompts []string
	temps   []float64
}

func (f *fakeLLM) Generate(_ context.Context, _, prompt string, temperature float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.temps = append(f.temps, temperature)
	return f.answer, f.err
}

type fakeAreas struct {
	farm  *farms.Farm
	areas []farms.Area
}

func (f *fakeAreas) FindArea(_ context.Context, _, name string) (*farms.Area, error) {
	for i := range f.areas {
		if strings.EqualFold(f.areas[i].Name, name) {
			return &f.areas[i], nil
		}
	}
	return nil, farms.ErrNotFound
}

func (f *fakeAreas) FarmByUser(context.Context, string) (*farms.Farm, error) {
	if f.farm == nil {
		return nil, farms.ErrNotFound
	}
	return f.farm, nil
}

func (f *fakeAreas) Areas(context.Context, string) ([]farms.Area, error) {
	return f.areas, nil
}

type fakeDevices struct {
	devices  map[string][]iot.Device
	readings map[string][]iot.SensorData
}

func (f *fakeDevices) DevicesByArea(_ context.Context, areaID string) ([]iot.Device, error) {
	return f.devices[areaID], nil
}

func (f *fakeDevices) ControllerInArea(_ context.Context, areaID string) (*iot.Device, error) {
	for _, typ := range []iot.DeviceType{iot.DeviceController, iot.DeviceSensorNode} {
		for _, d := range f.devices[areaID] {
			if d.Type == typ && d.Status == iot.StatusActive {
				return &d, nil
			}
		}
	}
	return nil, iot.ErrNotFound
}

func (f *fakeDevices) LatestReadings(_ context.Context, _, areaID string, limit int) ([]iot.SensorData, error) {
	rs := f.readings[areaID]
	if len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

type sentCommand struct {
	method  string
	ref     string
	on      bool
	seconds int
	auto    *bool
}

type fakeCommander struct {
	ack  *mqtt.Ack
	err  error
	sent []sentCommand
}

func (f *fakeCommander) result(action string) (*iot.CommandResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := &iot.CommandResult{ExpectedAck: action}
	if f.ack != nil {
		ack := *f.ack
		ack.Action = action
		res.Ack = &ack
	} else {
		res.AckErr = mqtt.ErrAckTimeout
	}
	return res, nil
}

func (f *fakeCommander) Pump(_ context.Context, _, ref string, on bool, _ ...iot.CommandOption) (*iot.CommandResult, error) {
	f.sent = append(f.sent, sentCommand{method: "pump", ref: ref, on: on})
	if on {
		return f.result("pump_on")
	}
	return f.result("pump_off")
}

func (f *fakeCommander) Irrigate(_ context.Context, _, ref string, seconds int, _ ...iot.CommandOption) (*iot.CommandResult, error) {
	f.sent = append(f.sent, sentCommand{method: "irrigate", ref: ref, on: true, seconds: seconds})
	return f.result("irrigation_started")
}

func (f *fakeCommander) Light(_ context.Context, _, ref string, on bool, _ ...iot.CommandOption) (*iot.CommandResult, error) {
	f.sent = append(f.sent, sentCommand{method: "light", ref: ref, on: on})
	if on {
		return f.result("light_on")
	}
	return f.result("light_off")
}

func (f *fakeCommander) SetAutoIrrigation(_ context.Context, _, ref string, u iot.AutoIrrigationUpdate, _ ...iot.CommandOption) (*iot.CommandResult, error) {
	f.sent = append(f.sent, sentCommand{method: "auto", ref: ref, auto: u.Enabled})
	return f.result("auto_mode_updated")
}

func premiumUser() *users.User {
	return &users.User{
		ID:                 "u-1",
		Plan:               users.PlanPremium,
		SubscriptionStatus: users.SubscriptionActive,
		Credits:            200,
	}
}

func freeUser(credits int) *users.User {
	return &users.User{
		ID:                 "u-2",
		Plan:               users.PlanFree,
		SubscriptionStatus: users.SubscriptionInactive,
		Credits:            credits,
	}
}

func floatp(v float64) *float64 { return &v }
