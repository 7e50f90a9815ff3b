package session

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// ChallengeKind tells the caller how to obtain the challenge image bytes.
type ChallengeKind int

const (
	// ChallengeInline sources carry the image as a base64 data URL.
	ChallengeInline ChallengeKind = iota
	// ChallengeRemote sources are http(s) URLs the caller must fetch.
	ChallengeRemote
)

// Challenge is a validated challenge image source.
type Challenge struct {
	Source    string
	Kind      ChallengeKind
	MediaType string
	Data      []byte
}

var inlinePrefixes = []string{"data:image/", "data:application/image"}

// ParseChallenge validates src. Anything that is neither a base64 image data
// URL nor an absolute http(s) URL means the portal markup changed.
func ParseChallenge(src string) (*Challenge, error) {
	for _, prefix := range inlinePrefixes {
		if strings.HasPrefix(src, prefix) {
			return parseInline(src)
		}
	}

	u, err := url.Parse(src)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return &Challenge{Source: src, Kind: ChallengeRemote}, nil
	}
	return nil, fmt.Errorf("%w: %.40q", ErrUnexpectedChallengeFormat, src)
}

func parseInline(src string) (*Challenge, error) {
	header, payload, ok := strings.Cut(src, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: data url is not base64", ErrUnexpectedChallengeFormat)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedChallengeFormat, err)
	}

	mediaType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if mediaType == "application/image" || !strings.HasPrefix(mediaType, "image/") {
		mediaType = "image/png"
	}
	return &Challenge{
		Source:    src,
		Kind:      ChallengeInline,
		MediaType: mediaType,
		Data:      data,
	}, nil
}
