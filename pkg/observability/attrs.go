package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Platform semantic convention attributes.
var (
	AttrInvestigationID = attribute.Key("scrutiny.investigation.id")
	AttrEntityID        = attribute.Key("scrutiny.entity.id")
	AttrCustomerID      = attribute.Key("scrutiny.customer.id")
	AttrTier            = attribute.Key("scrutiny.tier")
	AttrPhase           = attribute.Key("scrutiny.phase")
	AttrCheckType       = attribute.Key("scrutiny.check.type")
	AttrDegree          = attribute.Key("scrutiny.degree")

	AttrProviderID    = attribute.Key("scrutiny.provider.id")
	AttrProviderClass = attribute.Key("scrutiny.provider.class")
	AttrCacheOutcome  = attribute.Key("scrutiny.cache.outcome")

	AttrRuleID       = attribute.Key("scrutiny.compliance.rule_id")
	AttrLocale       = attribute.Key("scrutiny.compliance.locale")
	AttrPermitted    = attribute.Key("scrutiny.compliance.permitted")
	AttrRiskSeverity = attribute.Key("scrutiny.finding.severity")
)

// InvestigationAttrs builds the attribute set for one investigation run.
func InvestigationAttrs(investigationID, entityID, customerID, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrInvestigationID.String(investigationID),
		AttrEntityID.String(entityID),
		AttrCustomerID.String(customerID),
		AttrTier.String(tier),
	}
}

// QueryAttrs builds the attribute set for one provider query.
func QueryAttrs(providerID, check, locale string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProviderID.String(providerID),
		AttrCheckType.String(check),
		AttrLocale.String(locale),
	}
}

// ComplianceAttrs builds the attribute set for one compliance decision.
func ComplianceAttrs(ruleID, locale, check string, permitted bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRuleID.String(ruleID),
		AttrLocale.String(locale),
		AttrCheckType.String(check),
		AttrPermitted.Bool(permitted),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanError records err on the span in ctx when non-nil.
func SetSpanError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
