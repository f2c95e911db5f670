package model

// Platform is a streaming or store platform known to the link resolver.
// Values match the resolver's linksByPlatform keys.
type Platform string

const (
	PlatformSpotify      Platform = "spotify"
	PlatformAppleMusic   Platform = "appleMusic"
	PlatformITunes       Platform = "itunes"
	PlatformYouTube      Platform = "youtube"
	PlatformYouTubeMusic Platform = "youtubeMusic"
	PlatformDeezer       Platform = "deezer"
	PlatformTidal        Platform = "tidal"
	PlatformAmazonMusic  Platform = "amazonMusic"
	PlatformAmazonStore  Platform = "amazonStore"
	PlatformSoundCloud   Platform = "soundcloud"
	PlatformPandora      Platform = "pandora"
	PlatformNapster      Platform = "napster"
	PlatformYandex       Platform = "yandex"
	PlatformAudiomack    Platform = "audiomack"
	PlatformAnghami      Platform = "anghami"
	PlatformBoomplay     Platform = "boomplay"
)
