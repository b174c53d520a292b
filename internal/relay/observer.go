package relay

import "github.com/bardlex/minerelay/internal/messaging"

// Observer receives relay events. Implementations must not block; they are
// called from session goroutines.
type Observer interface {
	SessionChanged(ev messaging.SessionEvent)
	ShareProcessed(ev messaging.ShareEvent)
	WalletSwitched(ev messaging.WalletSwitchEvent)
	Reconnecting(ev messaging.ReconnectEvent)
}

// Observers fans events out to several observers
type Observers []Observer

// SessionChanged implements Observer
func (o Observers) SessionChanged(ev messaging.SessionEvent) {
	for _, obs := range o {
		obs.SessionChanged(ev)
	}
}

// ShareProcessed implements Observer
func (o Observers) ShareProcessed(ev messaging.ShareEvent) {
	for _, obs := range o {
		obs.ShareProcessed(ev)
	}
}

// WalletSwitched implements Observer
func (o Observers) WalletSwitched(ev messaging.WalletSwitchEvent) {
	for _, obs := range o {
		obs.WalletSwitched(ev)
	}
}

// Reconnecting implements Observer
func (o Observers) Reconnecting(ev messaging.ReconnectEvent) {
	for _, obs := range o {
		obs.Reconnecting(ev)
	}
}
