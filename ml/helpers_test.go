package ml

import (
	"fmt"
	"time"

	"watchpost/core"
)

var trainStart = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// clusteredEvents are ordinary honeypot logins: IPv4 peers on the two
// ssh ports, all failing.
func clusteredEvents(n int) []core.Event {
	ports := []int{22, 2222}
	events := make([]core.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, core.Event{
			EventID:   fmt.Sprintf("normal-%d", i),
			EventType: "cowrie.login.failure",
			LogType:   core.LogTypeCowrieSSH,
			Timestamp: trainStart.Add(time.Duration(i) * time.Second),
			Fields: core.Fields{
				"src_ip":   fmt.Sprintf("10.0.0.%d", i%9+1),
				"dst_ip":   "192.168.1.10",
				"dst_port": ports[i%2],
				"success":  false,
			},
		})
	}
	return events
}

// outlierEvents are successful IPv6 sessions on high ports.
func outlierEvents(n int) []core.Event {
	events := make([]core.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, core.Event{
			EventID:   fmt.Sprintf("outlier-%d", i),
			EventType: "cowrie.session.connect",
			LogType:   core.LogTypeCowrieSSH,
			Timestamp: trainStart.Add(time.Duration(i) * time.Minute),
			Fields: core.Fields{
				"src_ip":   fmt.Sprintf("2001:db8:85a3::8a2e:370:%04x", i),
				"dst_ip":   "fe80::1ff:fe23:4567:890a",
				"dst_port": 65000 + i,
				"success":  true,
			},
		})
	}
	return events
}

func trainingSet() (normal, outliers []core.Event, all []core.Event) {
	normal = clusteredEvents(1500)
	outliers = outlierEvents(10)
	all = append(append([]core.Event{}, normal...), outliers...)
	return normal, outliers, all
}

func fixedNow() time.Time { return trainStart.Add(24 * time.Hour) }
