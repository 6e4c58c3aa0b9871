package sip

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// SessionName is the s= line of every answer
const SessionName = "SipReceiver"

// BuildSDPAnswer builds the PCMU answer advertising ip:port for RTP.
// Both session id and version in o= are the Unix time of now.
func BuildSDPAnswer(ip string, port int, now time.Time) ([]byte, error) {
	ts := uint64(now.Unix())

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      ts,
			SessionVersion: ts,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: sdp.SessionName(SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000/1"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP answer: %w", err)
	}
	return body, nil
}
