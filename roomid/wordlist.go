package roomid

// Curated token lists for room identifiers. Both lists are lowercase ASCII
// with no hyphens, so a rendered identifier always splits cleanly on "-".
// Parsing is membership-checked against these lists.

var adjectives = []string{
	"sunset", "ocean", "forest", "mountain", "river", "cloud", "star", "moon",
	"dawn", "twilight", "aurora", "crystal", "silver", "golden", "emerald", "azure",
	"crimson", "amber", "jade", "pearl", "coral", "midnight", "thunder", "lightning",
	"whisper", "echo", "shadow", "bright", "calm", "swift", "gentle", "fierce",
	"quiet", "bold", "brave", "clever", "curious", "daring", "eager", "faithful",
	"fearless", "friendly", "graceful", "happy", "honest", "humble", "jolly", "keen",
	"kind", "lively", "loyal", "lucky", "merry", "mighty", "nimble", "noble",
	"patient", "peaceful", "playful", "polite", "proud", "quick", "radiant", "rapid",
	"rustic", "serene", "sharp", "shiny", "silent", "sleek", "smooth", "solar",
	"solid", "spry", "stable", "steady", "stormy", "sturdy", "subtle", "sunny",
	"tender", "tranquil", "trusty", "vivid", "wandering", "warm", "wild", "wise",
	"witty", "zesty", "ancient", "arctic", "autumn", "breezy", "brisk", "cobalt",
	"copper", "cosmic", "crisp", "dappled", "deep", "dewy", "distant", "dusky",
	"early", "electric", "ember", "fabled", "fair", "feral", "flying", "foggy",
	"frosty", "frozen", "glassy", "gleaming", "glowing", "grassy", "hazy", "hidden",
	"hollow", "icy", "indigo", "iron", "ivory", "lunar", "magnetic", "marble",
	"mellow", "misty", "mossy", "mystic", "nightly", "northern", "oaken", "obsidian",
	"olive", "opal", "pale", "polar", "primal", "purple", "quartz", "rainy",
	"rosy", "royal", "ruby", "rugged", "rumbling", "sable", "saffron", "sandy",
	"sapphire", "scarlet", "secret", "shining", "sierra", "singing", "slate", "snowy",
	"soaring", "southern", "sparkling", "spring", "starry", "steel", "still", "summer",
	"swirling", "teal", "tidal", "timber", "topaz", "twilit", "umber", "velvet",
	"verdant", "violet", "vital", "wavy", "western", "windy", "winter", "wooden",
	"young", "zephyr", "able", "agile", "airy", "alert", "alpine", "amiable",
	"ardent", "astral", "atomic", "blazing", "blissful", "bouncy", "bubbly", "candid",
	"cheery", "chilly", "citric", "civic", "classic", "coastal", "cozy", "crafty",
}

var nouns = []string{
	"dragon", "phoenix", "tiger", "eagle", "wolf", "dolphin", "hawk", "falcon",
	"bear", "lion", "panther", "raven", "swan", "deer", "fox", "owl",
	"shark", "whale", "leopard", "cheetah", "lynx", "jaguar", "cobra", "viper",
	"condor", "osprey", "kestrel", "sparrow", "robin", "cardinal", "wren", "otter",
	"badger", "beaver", "bison", "bobcat", "camel", "cougar", "coyote", "crane",
	"cricket", "crow", "dingo", "dove", "elk", "ermine", "ferret", "finch",
	"gazelle", "gecko", "gibbon", "goose", "gopher", "grouse", "heron", "hornet",
	"ibex", "iguana", "impala", "jackal", "koala", "lark", "lemur", "llama",
	"magpie", "mallard", "manta", "marlin", "marmot", "marten", "meerkat", "mole",
	"moose", "moth", "mouse", "mustang", "newt", "ocelot", "orca", "oriole",
	"oryx", "ostrich", "panda", "parrot", "pelican", "penguin", "pigeon", "pika",
	"pike", "plover", "pony", "puffin", "puma", "python", "quail", "rabbit",
	"raccoon", "ram", "rhino", "salmon", "seal", "serval", "skylark", "sloth",
	"stag", "starling", "stoat", "stork", "swallow", "tapir", "tern", "toad",
	"trout", "turtle", "walrus", "wasp", "weasel", "wombat", "yak", "zebra",
	"anchor", "arrow", "beacon", "bell", "blossom", "boulder", "breeze", "brook",
	"canyon", "cavern", "cedar", "cliff", "comet", "compass", "creek", "delta",
	"dune", "fern", "fjord", "flame", "galaxy", "garden", "geyser", "glacier",
	"glade", "grove", "harbor", "hearth", "hill", "horizon", "island", "lagoon",
	"lake", "lantern", "meadow", "mesa", "meteor", "mirage", "nebula", "oasis",
	"orchard", "peak", "pebble", "pine", "prairie", "prism", "quarry", "rainbow",
	"reef", "ridge", "ripple", "sail", "shore", "spark", "spire", "spruce",
	"summit", "thicket", "tide", "torrent", "trail", "tundra", "valley", "vine",
	"volcano", "waterfall", "willow", "zenith", "acorn", "alder", "aspen", "atlas",
	"bay", "birch", "bluff", "cape", "cascade", "cove", "crag", "current",
	"drift", "estuary", "field", "glen", "gulf", "knoll", "marsh", "strand",
}

var (
	adjectiveSet = makeTokenSet(adjectives)
	nounSet      = makeTokenSet(nouns)
)

func makeTokenSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
