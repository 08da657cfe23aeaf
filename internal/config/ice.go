package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var errNoICEURLs = errors.New("ice server has no urls")

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both `"urls": "stun:..."` and `"urls": [...]`,
// matching what browsers accept in RTCIceServer.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServers parses the ice_servers_json config value into the list
// handed to clients. Credentials are allowed but not required.
func ParseICEServers(raw string) ([]webrtc.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, fmt.Errorf("ice_servers_json: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, url := range server.URLs {
			url = strings.TrimSpace(url)
			if url == "" {
				continue
			}
			urls = append(urls, url)
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("ice_servers_json[%d]: %w", i, errNoICEURLs)
		}
		s := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(server.Username),
		}
		if cred := strings.TrimSpace(server.Credential); cred != "" {
			s.Credential = cred
		}
		out = append(out, s)
	}
	return out, nil
}
