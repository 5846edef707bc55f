package stmtcache

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("@agentuity/go-stmtcache")

var (
	attrOwner       = attribute.Key("stmtcache.owner")
	attrKind        = attribute.Key("stmtcache.kind")
	attrFingerprint = attribute.Key("stmtcache.fingerprint")
	attrReason      = attribute.Key("stmtcache.evict.reason")
	attrGroups      = attribute.Key("stmtcache.evict.groups")
	attrFailures    = attribute.Key("stmtcache.evict.failures")
)
