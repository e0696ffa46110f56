package mqtt

import (
	"strconv"
	"time"

	"github.com/nugget/ember/internal/buildinfo"
)

// Stats is the runtime state exposed as HA sensors.
type Stats struct {
	Boredom          float64
	SocialNeed       float64
	Energy           float64
	Mood             string
	SessionMessages  int
	ReflectionBuffer int
	ModelReady       bool
}

// StatsSource supplies sensor values. The adapter lives in cmd/ember so
// this package does not depend on the psyche or reflection packages.
type StatsSource interface {
	Snapshot() Stats
}

type sensorDef struct {
	entity string
	config SensorConfig
}

// sensorSpec is the per-entity part of a discovery payload.
type sensorSpec struct {
	entity, name, icon, unit, stateClass, category string
}

var sensorSpecs = []sensorSpec{
	{"boredom", "Boredom", "mdi:emoticon-neutral-outline", "%", "measurement", ""},
	{"social_need", "Social Need", "mdi:account-heart", "%", "measurement", ""},
	{"energy", "Energy", "mdi:battery-heart-variant", "%", "measurement", ""},
	{"mood", "Mood", "mdi:emoticon-outline", "", "", ""},
	{"session_messages", "Session Messages", "mdi:chat-processing", "messages", "measurement", ""},
	{"reflection_buffer", "Reflection Buffer", "mdi:tray-full", "messages", "measurement", "diagnostic"},
	{"model_server", "Model Server", "mdi:brain", "", "", "diagnostic"},
	{"uptime", "Uptime", "mdi:clock-outline", "", "", "diagnostic"},
	{"version", "Version", "mdi:tag", "", "", "diagnostic"},
}

func (l *Link) sensorDefinitions() []sensorDef {
	avail := l.availabilityTopic()
	defs := make([]sensorDef, 0, len(sensorSpecs))
	for _, s := range sensorSpecs {
		defs = append(defs, sensorDef{
			entity: s.entity,
			config: SensorConfig{
				Name:              l.device.Name + " " + s.name,
				UniqueID:          l.instanceID + "_" + s.entity,
				StateTopic:        l.stateTopic(s.entity),
				AvailabilityTopic: avail,
				Device:            l.device,
				Icon:              s.icon,
				UnitOfMeasurement: s.unit,
				StateClass:        s.stateClass,
				EntityCategory:    s.category,
			},
		})
	}
	return defs
}

// sensorStates renders one state payload per sensor entity.
func sensorStates(st Stats, uptime time.Duration) map[string]string {
	mood := st.Mood
	if mood == "" {
		mood = "unknown"
	}
	model := "offline"
	if st.ModelReady {
		model = "online"
	}
	return map[string]string{
		"boredom":           strconv.FormatFloat(st.Boredom, 'f', 1, 64),
		"social_need":       strconv.FormatFloat(st.SocialNeed, 'f', 1, 64),
		"energy":            strconv.FormatFloat(st.Energy, 'f', 1, 64),
		"mood":              mood,
		"session_messages":  strconv.Itoa(st.SessionMessages),
		"reflection_buffer": strconv.Itoa(st.ReflectionBuffer),
		"model_server":      model,
		"uptime":            uptime.Truncate(time.Second).String(),
		"version":           buildinfo.Version,
	}
}
