package envelope

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

func addresses(h mail.Header, key string) []Address {
	value := h.Get(key)
	if value == "" {
		return nil
	}

	list, err := h.AddressList(key)
	if err != nil {
		return ParseAddressList(value)
	}

	result := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}

		result = append(result, Address{
			Name:  strings.TrimSpace(addr.Name),
			Email: strings.ToLower(strings.TrimSpace(addr.Address)),
		})
	}

	return result
}

// ParseAddressList parses a comma separated address header. Entries the RFC parser
// rejects are recovered by splitting on angle brackets.
func ParseAddressList(value string) []Address {
	if list, err := mail.ParseAddressList(value); err == nil {
		result := make([]Address, 0, len(list))
		for _, addr := range list {
			result = append(result, Address{
				Name:  strings.TrimSpace(addr.Name),
				Email: strings.ToLower(addr.Address),
			})
		}

		return result
	}

	var result []Address

	for _, entry := range strings.Split(value, ",") {
		if addr, ok := looseAddress(entry); ok {
			result = append(result, addr)
		}
	}

	return result
}

func looseAddress(entry string) (Address, bool) {
	var addr Address

	for _, piece := range strings.FieldsFunc(entry, func(r rune) bool { return r == '<' || r == '>' }) {
		piece = strings.TrimSpace(piece)

		if strings.Contains(piece, "@") {
			addr.Email = strings.ToLower(piece)
		} else if piece != "" {
			addr.Name = strings.Trim(piece, `"`)
		}
	}

	return addr, addr.Email != ""
}

func firstAddress(list []Address) Address {
	if len(list) == 0 {
		return Address{}
	}

	return list[0]
}
