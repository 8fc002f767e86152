// Package discovery lets coordinators and workers find each other on the
// local network without static configuration.
//
// Each node periodically broadcasts a small JSON datagram announcing its role,
// and listens on the same well-known port for announcements from the opposite
// role. Datagrams are advisory: losing some is harmless because they are
// repeated every interval.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AltairaLabs/renderfarm/internal/types"
)

// Magic tags every discovery datagram
const Magic = "AR_DISCOVERY_V1"

// Announcement is the body of a discovery datagram
type Announcement struct {
	Magic string     `json:"magic"`
	Role  types.Role `json:"role"`
	Name  string     `json:"name"`
	ID    string     `json:"id,omitempty"`
	Port  int        `json:"port,omitempty"`
}

var errForeignDatagram = errors.New("not a discovery datagram")

// Encode serializes the announcement, filling in the magic constant
func (a Announcement) Encode() ([]byte, error) {
	a.Magic = Magic
	return json.Marshal(a)
}

// ParseAnnouncement decodes a datagram and checks its magic constant
func ParseAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", errForeignDatagram, err)
	}
	if a.Magic != Magic {
		return Announcement{}, errForeignDatagram
	}
	return a, nil
}

// Peer converts a sighting from host into a registry entry. The identity
// falls back to the display name, then to the sender's address.
func (a Announcement) Peer(host string) types.Peer {
	id := a.ID
	if id == "" {
		id = a.Name
	}
	if id == "" {
		id = host
	}
	name := a.Name
	if name == "" {
		name = host
	}
	return types.Peer{
		ID:          id,
		Name:        name,
		Role:        a.Role,
		Address:     host,
		ControlPort: a.Port,
	}
}
