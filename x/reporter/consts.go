package reporter

import "time"

// DefaultInterval matches how often operators expect a sign of life during
// protocol runs that last many hours.
const DefaultInterval = 30 * time.Second
