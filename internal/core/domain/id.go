package domain

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// ClientID is assigned by the relay when a transport opens.
type ClientID string

// RoomID is chosen by the clients.
type RoomID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

func (id ClientID) String() string {
	return string(id)
}

func (id RoomID) String() string {
	return string(id)
}

const meetingCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewMeetingCode returns a human friendly room id like "ABCD-1234-WXYZ".
func NewMeetingCode() (RoomID, error) {
	max := big.NewInt(int64(len(meetingCodeAlphabet)))

	var b strings.Builder
	for group := 0; group < 3; group++ {
		if group > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(meetingCodeAlphabet[n.Int64()])
		}
	}
	return RoomID(b.String()), nil
}
