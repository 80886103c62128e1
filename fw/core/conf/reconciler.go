package conf

import (
	"github.com/dashke/fort/fw/model"
)

// RuleReconciler is the capability surface rule editors talk to. Two
// implementations exist: AppManager works the store and driver directly,
// client.Remote forwards the same calls across the HTTP boundary to the
// process that owns them. Which one a caller gets is a composition-time
// decision.
type RuleReconciler interface {
	AddApp(app *model.App) error
	UpdateApp(app *model.App) error
	UpdateAppName(appId int64, name string) error
	DeleteApps(appIds []int64) error
	UpdateAppsBlocked(appIds []int64, blocked, killProcess bool) error
	PurgeApps() error
	WalkApps(fn func(app *model.App) bool) error
}
