package ts

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Packet kinds carried in frames with magic frame.MagicTS.
const (
	KindConnect               uint8 = 0x01
	KindConnectionEstablished uint8 = 0x02
	KindEvent                 uint8 = 0x03
	KindAck                   uint8 = 0x04
)

const (
	txidLen        = 8
	eventHeaderLen = txidLen + 4
)

// EventID identifies the kind of an event. Values outside the known table
// are carried as-is.
type EventID uint32

const (
	EventConfigurationLoaded           EventID = 0x308000AA
	EventLfoDownloadFromManifestRecord EventID = 0x308000AD
	EventChannelDownloadComplete       EventID = 0x308001D2
	EventUnknownServer207              EventID = 0x30800207
	EventCurrentSystemTags             EventID = 0x30800208
	EventCloudRequestReceived          EventID = 0x3080028E
	EventUnknown30800296               EventID = 0x30800296
	EventIPAddressAddedForFamily2      EventID = 0x308002E5
	EventIPAddressAdded                EventID = 0x308002E6
	EventHostnameChanged               EventID = 0x3080034D
	EventCurrentUninstallTokenInfo     EventID = 0x30800457
	EventChannelRundown                EventID = 0x30800550
	EventChannelDiffDownload           EventID = 0x3080064E
	EventDiskCapacity                  EventID = 0x3080069F
	EventDiskUtilization               EventID = 0x30800850
	EventUnknown31000002               EventID = 0x31000002
	EventChannelVersionRequired        EventID = 0x310001D1
	EventUnknown3100053F               EventID = 0x3100053F
	EventSystemCapacity                EventID = 0x310005AB
	EventUpdateCloudEvent              EventID = 0x318002B1
	EventOsVersionInfo                 EventID = 0x3200014E
	EventUnknown32000220               EventID = 0x32000220
	EventUnknown320002CF               EventID = 0x320002CF
	EventConnectionStatus              EventID = 0x32800139
	EventAgentOnline                   EventID = 0x338000AC
	EventUnknown340000EE               EventID = 0x340000EE
)

var eventNames = map[EventID]string{
	EventConfigurationLoaded:           "ConfigurationLoaded",
	EventLfoDownloadFromManifestRecord: "LfoDownloadFromManifestRecord",
	EventChannelDownloadComplete:       "ChannelDownloadComplete",
	EventUnknownServer207:              "UnknownServer207",
	EventCurrentSystemTags:             "CurrentSystemTags",
	EventCloudRequestReceived:          "CloudRequestReceived",
	EventUnknown30800296:               "Unknown30800296",
	EventIPAddressAddedForFamily2:      "IpAddressAddedForFamily2",
	EventIPAddressAdded:                "IpAddressAdded",
	EventHostnameChanged:               "HostnameChanged",
	EventCurrentUninstallTokenInfo:     "CurrentUninstallTokenInfo",
	EventChannelRundown:                "ChannelRundown",
	EventChannelDiffDownload:           "ChannelDiffDownload",
	EventDiskCapacity:                  "DiskCapacity",
	EventDiskUtilization:               "DiskUtilization",
	EventUnknown31000002:               "Unknown31000002",
	EventChannelVersionRequired:        "ChannelVersionRequired",
	EventUnknown3100053F:               "Unknown3100053F",
	EventSystemCapacity:                "SystemCapacity",
	EventUpdateCloudEvent:              "UpdateCloudEvent",
	EventOsVersionInfo:                 "OsVersionInfo",
	EventUnknown32000220:               "Unknown32000220",
	EventUnknown320002CF:               "Unknown320002CF",
	EventConnectionStatus:              "ConnectionStatus",
	EventAgentOnline:                   "AgentOnline",
	EventUnknown340000EE:               "Unknown340000EE",
}

// Known reports whether id is in the table of observed event ids.
func (id EventID) Known() bool {
	_, ok := eventNames[id]
	return ok
}

func (id EventID) String() string {
	if name, ok := eventNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(id))
}

// ParseEventID accepts a table name or a hex/decimal literal.
func ParseEventID(raw string) (EventID, error) {
	for id, name := range eventNames {
		if name == raw {
			return id, nil
		}
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("ts: invalid event id %q: %w", raw, err)
	}
	return EventID(v), nil
}

// Event is one telemetry record. Data is opaque to this package.
type Event struct {
	ID   EventID
	Data []byte
}

// IncomingEvent is an event as received, with the peer's transaction id.
type IncomingEvent struct {
	TxID uint64
	Event
}

func encodeEvent(txid uint64, ev Event) []byte {
	buf := make([]byte, eventHeaderLen, eventHeaderLen+len(ev.Data))
	binary.BigEndian.PutUint64(buf[:txidLen], txid)
	binary.BigEndian.PutUint32(buf[txidLen:eventHeaderLen], uint32(ev.ID))
	return append(buf, ev.Data...)
}

func decodeEvent(payload []byte) (IncomingEvent, error) {
	if len(payload) < eventHeaderLen {
		return IncomingEvent{}, fmt.Errorf("%w: %d bytes", ErrEventTooShort, len(payload))
	}
	data := make([]byte, len(payload)-eventHeaderLen)
	copy(data, payload[eventHeaderLen:])
	return IncomingEvent{
		TxID: binary.BigEndian.Uint64(payload[:txidLen]),
		Event: Event{
			ID:   EventID(binary.BigEndian.Uint32(payload[txidLen:eventHeaderLen])),
			Data: data,
		},
	}, nil
}

func encodeAck(txid uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, txid)
}
