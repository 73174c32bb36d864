package sidekick

import "net/url"

// Topic keys come in two disjoint kinds: resource topics and channel
// topics. The canonical channel form sorts params by name so equal param
// maps always produce equal keys.

func resourceTopic(resource string) string {
	return "resource:" + resource
}

func channelTopic(channel string, params map[string]string) string {
	values := url.Values{}
	for key, value := range params {
		values.Set(key, value)
	}
	// url.Values.Encode sorts by key, which is exactly the canonical form.
	return "channel:" + channel + "?" + values.Encode()
}
