package delegation

import "fmt"

// CapabilitiesFor returns the capability snapshot for a delegation type.
// It is total over the closed enum and fails fast on anything else; a new
// delegation type must be added here before it can be used.
//
// For TRANSFERRED every capability is present in the snapshot but stays
// inert until consent is GRANTED; the access evaluator enforces that.
func CapabilitiesFor(t Type) (CapabilitySet, error) {
	switch t {
	case TypePrimary, TypeSpecialist, TypeTransferred:
		return CapabilitySet{
			CanView:              true,
			CanCreatePlans:       true,
			CanModifyPlans:       true,
			CanPrescribe:         true,
			CanOrderTests:        true,
			CanAccessFullHistory: true,
		}, nil
	case TypeSubstitute:
		return CapabilitySet{
			CanView:              true,
			CanCreatePlans:       false,
			CanModifyPlans:       true,
			CanPrescribe:         true,
			CanOrderTests:        true,
			CanAccessFullHistory: true,
		}, nil
	default:
		return CapabilitySet{}, fmt.Errorf("%w: no capability row for delegation type %q", ErrInvalidRequest, t)
	}
}
