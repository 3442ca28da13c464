package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	ActionCategory string

	TargetAddress optional[string] // labfuzz.target.address
	RequestName   optional[string] // labfuzz.request.name
	Primitive     optional[string] // labfuzz.primitive.name
	TestCaseIndex optional[int]    // labfuzz.test_case.index
	PayloadSize   optional[int]    // labfuzz.payload.size
	SessionID     optional[string] // labfuzz.session.id

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// returns an empty SpanAttributes instance with no action category.
// this is useful for creating a SpanAttributes instance that can be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge updates the current SpanAttributes with values from another SpanAttributes.
// Values are only updated if they are set in the other SpanAttributes and not set in the current one.
// The ActionCategory is always updated when the other one carries it.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.TargetAddress, &other.TargetAddress)
	mergeOptional(&o.RequestName, &other.RequestName)
	mergeOptional(&o.Primitive, &other.Primitive)
	mergeOptional(&o.TestCaseIndex, &other.TestCaseIndex)
	mergeOptional(&o.PayloadSize, &other.PayloadSize)
	mergeOptional(&o.SessionID, &other.SessionID)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithTargetAddress(val string) *SpanAttributes {
	o.TargetAddress.Set(val)
	return o
}

func (o *SpanAttributes) WithRequestName(val string) *SpanAttributes {
	o.RequestName.Set(val)
	return o
}

func (o *SpanAttributes) WithPrimitive(val string) *SpanAttributes {
	o.Primitive.Set(val)
	return o
}

func (o *SpanAttributes) WithTestCaseIndex(val int) *SpanAttributes {
	o.TestCaseIndex.Set(val)
	return o
}

func (o *SpanAttributes) WithPayloadSize(val int) *SpanAttributes {
	o.PayloadSize.Set(val)
	return o
}

func (o *SpanAttributes) WithSessionID(val string) *SpanAttributes {
	o.SessionID.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	attrs = append(attrs, attribute.String("labfuzz.action.category", o.ActionCategory))
	if o.TargetAddress.set {
		attrs = append(attrs, attribute.String("labfuzz.target.address", o.TargetAddress.val))
	}
	if o.RequestName.set {
		attrs = append(attrs, attribute.String("labfuzz.request.name", o.RequestName.val))
	}
	if o.Primitive.set {
		attrs = append(attrs, attribute.String("labfuzz.primitive.name", o.Primitive.val))
	}
	if o.TestCaseIndex.set {
		attrs = append(attrs, attribute.Int("labfuzz.test_case.index", o.TestCaseIndex.val))
	}
	if o.PayloadSize.set {
		attrs = append(attrs, attribute.Int("labfuzz.payload.size", o.PayloadSize.val))
	}
	if o.SessionID.set {
		attrs = append(attrs, attribute.String("labfuzz.session.id", o.SessionID.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
