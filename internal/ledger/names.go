package ledger

import "hash/fnv"

// Name pools for anonymous display names. An agent id always maps to the
// same adjective-animal pair.
var nameAdjectives = []string{
	"Swift", "Bold", "Clever", "Mighty", "Brave", "Quick", "Silent", "Wise",
	"Fierce", "Noble", "Rapid", "Sharp", "Bright", "Keen", "Agile", "Strong",
	"Steady", "Calm", "Daring", "Expert", "Focused", "Gifted", "Hardy", "Loyal",
	"Alert", "Astute", "Crafty", "Driven", "Epic", "Fair", "Grand", "Iron",
	"Lucky", "Nimble", "Proud", "Royal", "Solid", "True", "Vital", "Wild",
	"Ace", "Cool", "Elite", "Prime", "Slick", "Smooth", "Snappy", "Stellar",
}

var nameAnimals = []string{
	"Penguin", "Tiger", "Fox", "Eagle", "Wolf", "Bear", "Falcon", "Hawk",
	"Lion", "Panther", "Raven", "Shark", "Dragon", "Phoenix", "Cobra", "Lynx",
	"Otter", "Panda", "Raccoon", "Badger", "Beaver", "Cheetah", "Cougar", "Jaguar",
	"Leopard", "Mongoose", "Wolverine", "Dolphin", "Owl", "Sparrow", "Viper", "Python",
	"Gecko", "Koala", "Lemur", "Meerkat", "Narwhal", "Octopus", "Platypus", "Quokka",
	"Rhino", "Seal", "Tortoise", "Unicorn", "Walrus", "Yak", "Zebra", "Alpaca",
}

// DisplayName derives a deterministic adjective-animal name from an agent
// id, e.g. "Swift Penguin".
func DisplayName(agentID string) string {
	h := fnv.New64a()
	h.Write([]byte(agentID))
	sum := h.Sum64()
	adj := nameAdjectives[sum%uint64(len(nameAdjectives))]
	animal := nameAnimals[(sum>>32)%uint64(len(nameAnimals))]
	return adj + " " + animal
}
