package apps

import "context"

// ArrayAppManager serves apps from an in-memory list loaded at startup.
// This is the default driver for single-tenant and development deployments.
type ArrayAppManager struct {
	byID  map[string]*App
	byKey map[string]*App
}

func NewArrayAppManager(configured []App) *ArrayAppManager {
	m := &ArrayAppManager{
		byID:  make(map[string]*App, len(configured)),
		byKey: make(map[string]*App, len(configured)),
	}
	for i := range configured {
		app := configured[i]
		app.withDefaults()
		m.byID[app.ID] = &app
		m.byKey[app.Key] = &app
	}
	return m
}

func (m *ArrayAppManager) FindByID(_ context.Context, id string) (*App, error) {
	if app, ok := m.byID[id]; ok {
		return app, nil
	}
	return nil, ErrAppNotFound
}

func (m *ArrayAppManager) FindByKey(_ context.Context, key string) (*App, error) {
	if app, ok := m.byKey[key]; ok {
		return app, nil
	}
	return nil, ErrAppNotFound
}
