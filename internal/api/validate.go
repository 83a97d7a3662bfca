package api

import (
	"fmt"
	"strings"

	"roadassist/internal/model"
)

func validateCreateRequest(in model.CreateRequestInput) error {
	if !in.ServiceType.Valid() {
		return fmt.Errorf("unknown serviceType %q (want one of %s)", in.ServiceType, serviceTypeList())
	}
	return validateGeoPoint(in.Location)
}

func validateGeoPoint(p model.GeoPoint) error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range", p.Lng)
	}
	return nil
}

func validateEmployeeInput(in model.EmployeeInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name required")
	}
	if len(in.Specialties) == 0 {
		return fmt.Errorf("at least one specialty required")
	}
	for _, sp := range in.Specialties {
		if !sp.Valid() {
			return fmt.Errorf("unknown specialty %q (want one of %s)", sp, serviceTypeList())
		}
	}
	if in.Location != nil {
		return validateGeoPoint(*in.Location)
	}
	return nil
}

func serviceTypeList() string {
	names := make([]string, 0, len(model.ServiceTypes))
	for _, t := range model.ServiceTypes {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
