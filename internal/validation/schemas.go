package validation

// Action selects the schema variant a resource factory emits: the fields a
// client may send on creation, the full stored form, the read form with
// derived fields, or the update form with its alterable whitelist.
type Action string

const (
	ActionCreate Action = "create"
	ActionStore  Action = "store"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
)

const (
	// UsernamePattern constrains usernames to 5-23 lowercase alphanumeric
	// characters plus dashes, starting and ending alphanumeric.
	UsernamePattern = "^[a-z0-9][a-z0-9-]{3,21}[a-z0-9]$"
	// EventTypePattern constrains event types to family/format pairs with an
	// optional series prefix.
	EventTypePattern = "^(series:)?[a-z0-9-]+/[a-z0-9-]+$"
)

// Document builders. Schemas are plain maps handed to gojsonschema's Go
// loader; encoding/json gives them a stable serialization.

func obj(props map[string]interface{}, required []string) map[string]interface{} {
	doc := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func openObj() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func str() map[string]interface{} {
	return map[string]interface{}{"type": "string"}
}

func strMin1() map[string]interface{} {
	return map[string]interface{}{"type": "string", "minLength": 1}
}

func strPattern(pattern string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "pattern": pattern}
}

func strEnum(values ...string) map[string]interface{} {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]interface{}{"type": "string", "enum": enum}
}

func num() map[string]interface{} {
	return map[string]interface{}{"type": "number"}
}

func nullableNum() map[string]interface{} {
	return map[string]interface{}{"type": []interface{}{"number", "null"}}
}

func nonNegInt() map[string]interface{} {
	return map[string]interface{}{"type": "integer", "minimum": 0}
}

func boolean() map[string]interface{} {
	return map[string]interface{}{"type": "boolean"}
}

func arrOf(items map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": items}
}

// anyValue accepts any JSON value including null.
func anyValue() map[string]interface{} {
	return map[string]interface{}{}
}

func identifier() map[string]interface{} {
	return map[string]interface{}{"type": "string", "minLength": 1, "maxLength": 100}
}

func nullableIdentifier() map[string]interface{} {
	return map[string]interface{}{
		"type":      []interface{}{"string", "null"},
		"maxLength": 100,
	}
}

func username() map[string]interface{} {
	return strPattern(UsernamePattern)
}

func email() map[string]interface{} {
	return map[string]interface{}{"type": "string", "format": "email", "maxLength": 300}
}

func language() map[string]interface{} {
	return map[string]interface{}{"type": "string", "minLength": 1, "maxLength": 5}
}

func trackedProps(props map[string]interface{}) map[string]interface{} {
	props["created"] = num()
	props["createdBy"] = str()
	props["modified"] = num()
	props["modifiedBy"] = str()
	return props
}

var trackedFields = []string{"created", "createdBy", "modified", "modifiedBy"}

// streamQuery is the events.get streams parameter: a flat list (implicit
// "any" semantics), the compound {any, all, not} form, or a bare id.
func streamQuery() map[string]interface{} {
	strArr := arrOf(strMin1())
	return map[string]interface{}{
		"oneOf": []interface{}{
			strArr,
			obj(map[string]interface{}{
				"any": strArr,
				"all": strArr,
				"not": strArr,
			}, nil),
			strMin1(),
		},
	}
}

func attachmentSchema(withReadToken bool) map[string]interface{} {
	props := map[string]interface{}{
		"id":        identifier(),
		"fileName":  strMin1(),
		"type":      str(),
		"size":      nonNegInt(),
		"integrity": str(),
	}
	if withReadToken {
		props["readToken"] = str()
	}
	return obj(props, []string{"id", "fileName", "type", "size"})
}

// EventSchema returns the event object schema for the given action and,
// for ActionUpdate, the whitelist of alterable fields. Update schemas list
// protected fields so the guard can reject them with Forbidden instead of
// a format error; truly unknown fields still fail validation.
func EventSchema(action Action) (map[string]interface{}, []string) {
	props := map[string]interface{}{
		"streamId":    identifier(),
		"streamIds":   arrOf(identifier()),
		"time":        num(),
		"duration":    nullableNum(),
		"type":        strPattern(EventTypePattern),
		"content":     anyValue(),
		"tags":        arrOf(str()),
		"description": str(),
		"clientData":  openObj(),
	}

	switch action {
	case ActionCreate:
		props["id"] = identifier()
		doc := obj(props, []string{"type"})
		doc["anyOf"] = []interface{}{
			map[string]interface{}{"required": []string{"streamId"}},
			map[string]interface{}{"required": []string{"streamIds"}},
		}
		return doc, nil

	case ActionUpdate:
		alterable := []string{
			"streamId", "streamIds", "time", "duration", "type",
			"content", "tags", "description", "clientData", "trashed",
		}
		props["trashed"] = boolean()
		props["id"] = identifier()
		props["attachments"] = arrOf(attachmentSchema(false))
		props["headId"] = str()
		props["integrity"] = str()
		return obj(trackedProps(props), nil), alterable

	case ActionRead:
		props["trashed"] = boolean()
		props["id"] = identifier()
		props["attachments"] = arrOf(attachmentSchema(true))
		props["headId"] = str()
		props["integrity"] = str()
		required := append([]string{"id", "streamId", "streamIds", "type", "time"}, trackedFields...)
		return obj(trackedProps(props), required), nil

	default: // ActionStore
		delete(props, "streamId")
		delete(props, "tags")
		props["trashed"] = boolean()
		props["id"] = identifier()
		props["attachments"] = arrOf(attachmentSchema(false))
		props["headId"] = str()
		props["integrity"] = str()
		required := append([]string{"id", "streamIds", "type", "time"}, trackedFields...)
		return obj(trackedProps(props), required), nil
	}
}

// StreamSchema returns the stream object schema for the given action.
// singleActivity is reserved and absent from every variant, so supplying
// it always fails validation.
func StreamSchema(action Action) (map[string]interface{}, []string) {
	props := map[string]interface{}{
		"name":       strMin1(),
		"parentId":   nullableIdentifier(),
		"clientData": openObj(),
	}

	switch action {
	case ActionCreate:
		props["id"] = identifier()
		return obj(props, []string{"name"}), nil

	case ActionUpdate:
		alterable := []string{"name", "parentId", "clientData", "trashed"}
		props["trashed"] = boolean()
		props["id"] = identifier()
		props["integrity"] = str()
		return obj(trackedProps(props), nil), alterable

	case ActionRead:
		props["trashed"] = boolean()
		props["id"] = identifier()
		props["children"] = map[string]interface{}{"type": "array"}
		props["integrity"] = str()
		required := append([]string{"id", "name", "parentId"}, trackedFields...)
		return obj(trackedProps(props), required), nil

	default: // ActionStore
		props["trashed"] = boolean()
		props["id"] = identifier()
		props["integrity"] = str()
		required := append([]string{"id", "name", "parentId"}, trackedFields...)
		return obj(trackedProps(props), required), nil
	}
}

// permissionEntry is the tagged union of stream, tag and feature grants.
func permissionEntry() map[string]interface{} {
	level := strEnum("read", "contribute", "manage", "create-only")
	return map[string]interface{}{
		"oneOf": []interface{}{
			obj(map[string]interface{}{
				"streamId": strMin1(),
				"level":    level,
			}, []string{"streamId", "level"}),
			obj(map[string]interface{}{
				"tag":   strMin1(),
				"level": level,
			}, []string{"tag", "level"}),
			obj(map[string]interface{}{
				"feature": strMin1(),
				"setting": strEnum("forbidden"),
			}, []string{"feature", "setting"}),
		},
	}
}

// AccessSchema returns the access object schema for the given action. The
// create form is the polymorphic union over personal, app and shared;
// missing type is defaulted to shared before validation runs.
func AccessSchema(action Action) (map[string]interface{}, []string) {
	permissions := arrOf(permissionEntry())

	switch action {
	case ActionCreate:
		variant := func(accessType string, withPermissions bool) map[string]interface{} {
			props := map[string]interface{}{
				"token":       identifier(),
				"type":        strEnum(accessType),
				"name":        strMin1(),
				"deviceName":  str(),
				"expireAfter": num(),
				"clientData":  openObj(),
			}
			required := []string{"type", "name"}
			if withPermissions {
				props["permissions"] = permissions
				required = append(required, "permissions")
			}
			return obj(props, required)
		}
		return map[string]interface{}{
			"oneOf": []interface{}{
				variant("personal", false),
				variant("app", true),
				variant("shared", true),
			},
		}, nil

	case ActionUpdate:
		alterable := []string{"name", "deviceName", "clientData", "permissions", "expireAfter"}
		props := map[string]interface{}{
			"name":        strMin1(),
			"deviceName":  str(),
			"clientData":  openObj(),
			"permissions": permissions,
			"expireAfter": num(),
			"id":          identifier(),
			"token":       identifier(),
			"type":        strEnum("personal", "app", "shared"),
			"expires":     nullableNum(),
			"integrity":   str(),
		}
		return obj(trackedProps(props), nil), alterable

	default: // ActionRead and ActionStore share the flat stored shape
		props := map[string]interface{}{
			"id":          identifier(),
			"token":       identifier(),
			"type":        strEnum("personal", "app", "shared"),
			"name":        strMin1(),
			"deviceName":  str(),
			"permissions": permissions,
			"expireAfter": num(),
			"expires":     nullableNum(),
			"clientData":  openObj(),
			"deleted":     nullableNum(),
			"integrity":   str(),
		}
		required := append([]string{"id", "token", "type", "name"}, trackedFields...)
		return obj(trackedProps(props), required), nil
	}
}

// AccountSchema returns the account object schema for the given action.
// Accounts are never created through this surface (system.createUser owns
// that), so create mirrors read.
func AccountSchema(action Action) (map[string]interface{}, []string) {
	storageUsed := obj(map[string]interface{}{
		"dbDocuments":   nonNegInt(),
		"attachedFiles": nonNegInt(),
	}, nil)

	switch action {
	case ActionUpdate:
		alterable := []string{"email", "language"}
		props := map[string]interface{}{
			"email":       email(),
			"language":    language(),
			"username":    username(),
			"storageUsed": storageUsed,
		}
		return obj(props, nil), alterable

	default:
		props := map[string]interface{}{
			"username":    username(),
			"email":       email(),
			"language":    language(),
			"storageUsed": storageUsed,
		}
		return obj(props, []string{"username", "email"}), nil
	}
}

// FollowedSliceSchema returns the followed-slice schema for the action.
func FollowedSliceSchema(action Action) (map[string]interface{}, []string) {
	props := map[string]interface{}{
		"name":        strMin1(),
		"url":         strMin1(),
		"accessToken": strMin1(),
	}

	switch action {
	case ActionCreate:
		return obj(props, []string{"name", "url", "accessToken"}), nil

	case ActionUpdate:
		alterable := []string{"name", "url", "accessToken"}
		props["id"] = identifier()
		return obj(props, nil), alterable

	default:
		props["id"] = identifier()
		return obj(props, []string{"id", "name", "url", "accessToken"}), nil
	}
}

func eventsGetParams() map[string]interface{} {
	return obj(map[string]interface{}{
		"streams":          streamQuery(),
		"tags":             arrOf(strMin1()),
		"types":            arrOf(strMin1()),
		"fromTime":         num(),
		"toTime":           num(),
		"sortAscending":    boolean(),
		"skip":             nonNegInt(),
		"limit":            nonNegInt(),
		"state":            strEnum("default", "trashed", "all"),
		"modifiedSince":    num(),
		"includeDeletions": boolean(),
		"running":          boolean(),
		// Rejected explicitly: deletions ride on modifiedSince+includeDeletions.
		"withDeletions": map[string]interface{}{"not": map[string]interface{}{}},
	}, nil)
}

// batchParams is the envelope for callBatch: an array of {method, params}
// sub-calls executed sequentially under the outer call's authentication.
func batchParams() map[string]interface{} {
	return obj(map[string]interface{}{
		"calls": arrOf(obj(map[string]interface{}{
			"method": strMin1(),
			"params": anyValue(),
		}, []string{"method"})),
	}, []string{"calls"})
}

func updateParams(update map[string]interface{}) map[string]interface{} {
	return obj(map[string]interface{}{
		"id":     identifier(),
		"update": update,
	}, []string{"id", "update"})
}

func idParams() map[string]interface{} {
	return obj(map[string]interface{}{"id": identifier()}, []string{"id"})
}

func emptyParams() map[string]interface{} {
	return obj(map[string]interface{}{}, nil)
}

// InstallMethods registers the parameter schema of every built-in method.
func InstallMethods(v *Validator) error {
	eventCreate, _ := EventSchema(ActionCreate)
	eventUpdate, eventAlterable := EventSchema(ActionUpdate)
	streamCreate, _ := StreamSchema(ActionCreate)
	streamUpdate, streamAlterable := StreamSchema(ActionUpdate)
	accessCreate, _ := AccessSchema(ActionCreate)
	accessUpdate, accessAlterable := AccessSchema(ActionUpdate)
	accountUpdate, accountAlterable := AccountSchema(ActionUpdate)
	sliceCreate, _ := FollowedSliceSchema(ActionCreate)
	sliceUpdate, sliceAlterable := FollowedSliceSchema(ActionUpdate)

	entries := []struct {
		method    string
		doc       map[string]interface{}
		alterable []string
	}{
		{method: "events.get", doc: eventsGetParams()},
		{method: "events.getOne", doc: obj(map[string]interface{}{
			"id":             identifier(),
			"includeHistory": boolean(),
		}, []string{"id"})},
		{method: "events.create", doc: eventCreate},
		{method: "events.update", doc: updateParams(eventUpdate), alterable: eventAlterable},
		{method: "events.delete", doc: idParams()},
		{method: "events.attach", doc: idParams()},
		{method: "events.getAttachment", doc: obj(map[string]interface{}{
			"id":     identifier(),
			"fileId": identifier(),
		}, []string{"id", "fileId"})},
		{method: "events.deleteAttachment", doc: obj(map[string]interface{}{
			"id":     identifier(),
			"fileId": identifier(),
		}, []string{"id", "fileId"})},

		{method: "streams.get", doc: obj(map[string]interface{}{
			"parentId":              identifier(),
			"state":                 strEnum("default", "all"),
			"includeDeletionsSince": num(),
		}, nil)},
		{method: "streams.create", doc: streamCreate},
		{method: "streams.update", doc: updateParams(streamUpdate), alterable: streamAlterable},
		{method: "streams.delete", doc: obj(map[string]interface{}{
			"id":                    identifier(),
			"mergeEventsWithParent": boolean(),
		}, []string{"id"})},

		{method: "accesses.get", doc: obj(map[string]interface{}{
			"includeDeletions": boolean(),
			"includeExpired":   boolean(),
		}, nil)},
		{method: "accesses.create", doc: accessCreate},
		{method: "accesses.update", doc: updateParams(accessUpdate), alterable: accessAlterable},
		{method: "accesses.delete", doc: idParams()},
		{method: "getAccessInfo", doc: emptyParams()},

		{method: "auth.login", doc: obj(map[string]interface{}{
			"username": username(),
			"password": strMin1(),
			"appId":    strMin1(),
		}, []string{"username", "password", "appId"})},
		{method: "auth.logout", doc: emptyParams()},

		{method: "account.get", doc: emptyParams()},
		{method: "account.update", doc: obj(map[string]interface{}{
			"update": accountUpdate,
		}, []string{"update"}), alterable: accountAlterable},
		{method: "account.changePassword", doc: obj(map[string]interface{}{
			"oldPassword": strMin1(),
			"newPassword": strMin1(),
		}, []string{"oldPassword", "newPassword"})},
		{method: "account.requestPasswordReset", doc: obj(map[string]interface{}{
			"appId": strMin1(),
		}, []string{"appId"})},
		{method: "account.resetPassword", doc: obj(map[string]interface{}{
			"resetToken":  strMin1(),
			"newPassword": strMin1(),
			"appId":       strMin1(),
		}, []string{"resetToken", "newPassword", "appId"})},

		{method: "followedSlices.get", doc: emptyParams()},
		{method: "followedSlices.create", doc: sliceCreate},
		{method: "followedSlices.update", doc: updateParams(sliceUpdate), alterable: sliceAlterable},
		{method: "followedSlices.delete", doc: idParams()},

		{method: "profile.get", doc: obj(map[string]interface{}{
			"scope": strEnum("public", "private"),
		}, []string{"scope"})},
		{method: "profile.update", doc: obj(map[string]interface{}{
			"scope":  strEnum("public", "private"),
			"update": openObj(),
		}, []string{"scope", "update"})},
		{method: "profile.getApp", doc: emptyParams()},
		{method: "profile.updateApp", doc: obj(map[string]interface{}{
			"update": openObj(),
		}, []string{"update"})},

		{method: "system.createUser", doc: obj(map[string]interface{}{
			"username": username(),
			"password": strMin1(),
			"email":    email(),
			"language": language(),
		}, []string{"username", "password", "email"})},
		{method: "system.getUserInfo", doc: obj(map[string]interface{}{
			"username": username(),
		}, []string{"username"})},
		{method: "system.deleteMfa", doc: obj(map[string]interface{}{
			"username": username(),
		}, []string{"username"})},

		{method: "service.info", doc: emptyParams()},

		{method: "callBatch", doc: batchParams()},
	}

	for _, e := range entries {
		if err := v.Register(e.method, e.doc, e.alterable...); err != nil {
			return err
		}
	}
	return nil
}
