package models

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Host{},
		&PollRecord{},
		&Alert{},
		&HostImage{},
		&Setting{},
		&Notification{},
		&NotificationProvider{},
	}
}
