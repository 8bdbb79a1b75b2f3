package proxy

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

// MinPasswordLength is the shortest password the web layer accepts.
const MinPasswordLength = 6

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func validateResetPassword(body []byte) ([]byte, string) {
	var in struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.Token == "" || in.NewPassword == "" {
		return nil, "Token và mật khẩu mới là bắt buộc"
	}
	if utf8.RuneCountInString(in.NewPassword) < MinPasswordLength {
		return nil, "Mật khẩu phải có ít nhất 6 ký tự"
	}
	out, _ := json.Marshal(in)
	return out, ""
}

func validateForgotPassword(body []byte) ([]byte, string) {
	var in struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.Email == "" {
		return nil, "Email là bắt buộc"
	}
	if !emailPattern.MatchString(in.Email) {
		return nil, "Email không hợp lệ"
	}
	out, _ := json.Marshal(in)
	return out, ""
}

// validateChangePassword also renames currentPassword to the
// backend's oldPassword.
func validateChangePassword(body []byte) ([]byte, string) {
	var in struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.Unmarshal(body, &in); err != nil || in.CurrentPassword == "" || in.NewPassword == "" {
		return nil, "Vui lòng nhập đầy đủ thông tin"
	}
	if utf8.RuneCountInString(in.NewPassword) < MinPasswordLength {
		return nil, "Mật khẩu mới phải có ít nhất 6 ký tự"
	}
	out, _ := json.Marshal(map[string]string{
		"oldPassword": in.CurrentPassword,
		"newPassword": in.NewPassword,
	})
	return out, ""
}
