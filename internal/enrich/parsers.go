package enrich

import (
	"net/url"
	"strings"

	"github.com/sells-group/track-enricher/internal/model"
)

// Parser extracts a platform's track id from a link on that platform.
type Parser func(u *url.URL) (string, bool)

// PlatformParsers maps each platform to the rule that pulls a track id out of
// its links.
var PlatformParsers = map[model.Platform]Parser{
	model.PlatformSpotify:      segmentAfter("track"),
	model.PlatformAppleMusic:   appleID,
	model.PlatformITunes:       appleID,
	model.PlatformYouTube:      youtubeID,
	model.PlatformYouTubeMusic: youtubeID,
	model.PlatformDeezer:       segmentAfter("track"),
	model.PlatformTidal:        segmentAfter("track"),
	model.PlatformAmazonMusic:  amazonMusicID,
	model.PlatformAmazonStore:  amazonStoreID,
	model.PlatformSoundCloud:   soundcloudID,
	model.PlatformPandora:      lastSegment,
	model.PlatformNapster:      lastSegment,
	model.PlatformYandex:       segmentAfter("track"),
	model.PlatformAudiomack:    audiomackID,
	model.PlatformAnghami:      segmentAfter("song"),
	model.PlatformBoomplay:     segmentAfter("songs"),
}

// ExtractPlatformID parses rawURL with the platform's rule.
func ExtractPlatformID(p model.Platform, rawURL string) (string, bool) {
	parse, ok := PlatformParsers[p]
	if !ok || rawURL == "" {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	return parse(u)
}

func segments(u *url.URL) []string {
	var out []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func segmentAfter(key string) Parser {
	return func(u *url.URL) (string, bool) {
		segs := segments(u)
		for i := 0; i < len(segs)-1; i++ {
			if segs[i] == key {
				return segs[i+1], true
			}
		}
		return "", false
	}
}

func lastSegment(u *url.URL) (string, bool) {
	segs := segments(u)
	if len(segs) == 0 {
		return "", false
	}
	return segs[len(segs)-1], true
}

// appleID handles album links with an ?i= track parameter and /song/ links.
func appleID(u *url.URL) (string, bool) {
	if id := u.Query().Get("i"); id != "" {
		return id, true
	}
	segs := segments(u)
	for i, s := range segs {
		if s == "song" && i+1 < len(segs) {
			return segs[len(segs)-1], true
		}
	}
	return "", false
}

func youtubeID(u *url.URL) (string, bool) {
	if v := u.Query().Get("v"); v != "" {
		return v, true
	}
	if strings.EqualFold(u.Hostname(), "youtu.be") {
		return lastSegment(u)
	}
	return "", false
}

func amazonMusicID(u *url.URL) (string, bool) {
	if id := u.Query().Get("trackAsin"); id != "" {
		return id, true
	}
	return segmentAfter("tracks")(u)
}

func amazonStoreID(u *url.URL) (string, bool) {
	if id, ok := segmentAfter("dp")(u); ok {
		return id, true
	}
	return segmentAfter("product")(u)
}

// soundcloudID returns "user/slug"; SoundCloud links carry no numeric id.
func soundcloudID(u *url.URL) (string, bool) {
	segs := segments(u)
	if len(segs) < 2 {
		return "", false
	}
	return segs[0] + "/" + segs[1], true
}

// audiomackID returns "artist/song/slug".
func audiomackID(u *url.URL) (string, bool) {
	segs := segments(u)
	if len(segs) < 3 || segs[1] != "song" {
		return "", false
	}
	return strings.Join(segs[:3], "/"), true
}
