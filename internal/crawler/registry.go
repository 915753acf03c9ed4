package crawler

import "fmt"

// Kind tags a component type. The set is closed.
type Kind int

// Component kinds.
const (
	KindUnknown Kind = iota
	KindScheduler
	KindIngester
	KindParser
	KindRobotsDownloader
)

// Descriptor is the static registry entry for one component kind.
type Descriptor struct {
	Kind Kind
	// Name is the component name used in filters, logs and metrics.
	Name string
	// ConfigKey is the configuration section holding the stage's settings.
	ConfigKey string
	// Success and Failure are zero values of the kind's result pair.
	Success Result
	Failure Result
}

var registry = map[Kind]Descriptor{
	KindScheduler: {
		Kind: KindScheduler, Name: "scheduler", ConfigKey: "scheduler",
		Success: SchedulerSuccess{}, Failure: SchedulerFailure{},
	},
	KindIngester: {
		Kind: KindIngester, Name: "ingester", ConfigKey: "ingester",
		Success: IngestSuccess{}, Failure: IngestFailure{},
	},
	KindParser: {
		Kind: KindParser, Name: "parser", ConfigKey: "parser",
		Success: ParseSuccess{}, Failure: ParseFailure{},
	},
	KindRobotsDownloader: {
		Kind: KindRobotsDownloader, Name: "robots-downloader", ConfigKey: "robots",
		Success: RobotsSuccess{}, Failure: RobotsFailure{},
	},
}

// Describe returns the registry entry for kind.
func Describe(kind Kind) (Descriptor, bool) {
	d, ok := registry[kind]
	return d, ok
}

// Kinds lists every registered kind in pipeline order.
func Kinds() []Kind {
	return []Kind{KindScheduler, KindIngester, KindParser, KindRobotsDownloader}
}

// KindByName resolves a component name back to its kind.
func KindByName(name string) (Kind, error) {
	for _, k := range Kinds() {
		if registry[k].Name == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown component name %q", name)
}

func (k Kind) String() string {
	if d, ok := registry[k]; ok {
		return d.Name
	}
	return "unknown"
}
