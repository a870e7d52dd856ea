package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	// Sessions
	&Account{},
	// Groups and contacts
	&Group{},
	&GroupAccount{},
	&Contact{},
	&GroupContact{},
	// Messaging
	&Message{},
}
