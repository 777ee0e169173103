package connectivity

import "github.com/pedroluizchagas/celebra-capital-sub002/internal/config"

// Features reports the capabilities the UI may gate on.
type Features struct {
	ServiceWorker       bool `json:"serviceWorker"`
	Caches              bool `json:"caches"`
	Push                bool `json:"push"`
	BackgroundSync      bool `json:"backgroundSync"`
	PeriodicSync        bool `json:"periodicSync"`
	Notification        bool `json:"notification"`
	InstallPrompt       bool `json:"installPrompt"`
	OfflineCapabilities bool `json:"offlineCapabilities"`
}

// Probe builds the feature set from the configured flags and the wake-up
// capabilities actually available.
func Probe(flags config.FeaturesConfig, wakeups *WakeupScheduler) Features {
	f := Features{
		ServiceWorker: true,
		Caches:        true,
		Push:          flags.Push,
		Notification:  flags.Notification,
		InstallPrompt: flags.InstallPrompt,
	}
	if wakeups != nil {
		f.BackgroundSync = wakeups.Supported()
		f.PeriodicSync = wakeups.PeriodicSupported()
	}
	f.OfflineCapabilities = f.ServiceWorker && f.Caches
	return f
}
