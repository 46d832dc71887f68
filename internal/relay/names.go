package relay

import (
	"crypto/rand"
	"math/big"
	"strings"
)

var adjectives = []string{
	"tiny", "happy", "sleepy", "fluffy", "sparkly", "cheery", "silly", "jolly", "cozy", "shiny",
	"golden", "silver", "crimson", "emerald", "purple", "bright", "gentle", "brave", "calm", "swift",
	"quiet", "bouncy", "fuzzy", "plucky", "merry", "peppy",
}

var animals = []string{
	"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog", "squirrel", "hamster",
	"duckling", "fawn", "lamb", "raccoon", "beaver", "seahorse", "dolphin", "whale", "narwhal",
	"penguin", "flamingo", "pelican", "sparrow", "robin", "toucan", "parrot", "canary",
}

var places = []string{
	"meadow", "willow", "harbor", "lantern", "puddle", "pebble", "cottage", "rocket", "comet", "orbit",
	"nebula", "canyon", "ridge", "garden", "island", "valley", "porch", "attic", "campfire", "lighthouse",
	"treehouse", "bakery", "library", "station",
}

// roomName returns a memorable adjective-animal-place name not rejected by taken.
func roomName(taken func(string) bool) string {
	for {
		name := strings.Join([]string{pick(adjectives), pick(animals), pick(places)}, "-")
		if !taken(name) {
			return name
		}
	}
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		panic("relay: crypto/rand failed: " + err.Error())
	}
	return words[n.Int64()]
}
