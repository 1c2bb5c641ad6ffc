package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// New returns a configured validator with the struct-level money checks
// registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterStructValidation(confirmStructValidation, ConfirmRequest{})
	v.RegisterStructValidation(refundStructValidation, RefundRequest{})

	return v
}

// confirmStructValidation rejects negative amounts and, when every component
// is given, a total that is not subtotal + tax + shipping - discount.
func confirmStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(ConfirmRequest)

	amounts := []struct {
		v     *decimal.Decimal
		field string
		name  string
	}{
		{req.Subtotal, "subtotal", "Subtotal"},
		{req.Tax, "tax", "Tax"},
		{req.Shipping, "shipping", "Shipping"},
		{req.Discount, "discount", "Discount"},
		{req.Total, "total", "Total"},
	}
	for _, a := range amounts {
		if a.v != nil && a.v.IsNegative() {
			sl.ReportError(a.v.String(), a.field, a.name, "non_negative", "")
		}
	}

	if req.Total == nil || req.Subtotal == nil {
		return
	}
	want := *req.Subtotal
	if req.Tax != nil {
		want = want.Add(*req.Tax)
	}
	if req.Shipping != nil {
		want = want.Add(*req.Shipping)
	}
	if req.Discount != nil {
		want = want.Sub(*req.Discount)
	}
	if !want.Equal(*req.Total) {
		sl.ReportError(req.Total.String(), "total", "Total", "total_matches_components",
			fmt.Sprintf("subtotal + tax + shipping - discount = %s", want.StringFixed(2)))
	}
}

func refundStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(RefundRequest)
	if req.Amount != nil && !req.Amount.IsPositive() {
		sl.ReportError(req.Amount.String(), "amount", "Amount", "positive", "")
	}
}
